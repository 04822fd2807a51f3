//go:build linux || darwin

// pkg/fetch/xattr_unix.go - per-file HTTP caching metadata stored in
// extended attributes, so it travels with the cached file and vanishes
// with it.

package fetch

import (
	"golang.org/x/sys/unix"
)

const (
	xattrETag         = "user.orchard.etag"
	xattrLastModified = "user.orchard.last-modified"
	xattrSHA256       = "user.orchard.sha256"
)

func getXattr(path, name string) string {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil || size <= 0 {
		return ""
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil || n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func setXattr(path, name, value string) error {
	if value == "" {
		// removing a missing attribute is not an error worth surfacing
		_ = unix.Removexattr(path, name)
		return nil
	}
	return unix.Setxattr(path, name, []byte(value), 0)
}
