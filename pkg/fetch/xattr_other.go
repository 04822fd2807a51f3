//go:build !linux && !darwin

// Fallback caching metadata storage for filesystems without extended
// attribute support: a hidden sidecar file next to the cached file.

package fetch

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	xattrETag         = "etag"
	xattrLastModified = "last-modified"
	xattrSHA256       = "sha256"
)

func sidecarPath(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+".meta")
}

func readSidecar(path string) map[string]string {
	data, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return map[string]string{}
	}
	meta := map[string]string{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return map[string]string{}
	}
	return meta
}

func getXattr(path, name string) string {
	return readSidecar(path)[strings.ToLower(name)]
}

func setXattr(path, name, value string) error {
	meta := readSidecar(path)
	if value == "" {
		delete(meta, strings.ToLower(name))
	} else {
		meta[strings.ToLower(name)] = value
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(sidecarPath(path), data, 0o644)
}
