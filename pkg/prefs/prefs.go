// pkg/prefs/prefs.go - layered preference store for the Orchard engine.
//
// Preferences are resolved against a fixed precedence chain: the forced
// (MDM-pushed) layer wins, then per-host user overrides, user overrides,
// the system-wide file, the global defaults file, and finally the built-in
// default enumerated below. Layer files are YAML maps of key to value.

package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Source labels where an effective value came from.
type Source string

const (
	SourceForced      Source = "forced"
	SourcePerHostUser Source = "per-host user"
	SourceUser        Source = "user"
	SourceSystem      Source = "system"
	SourceGlobal      Source = "global defaults"
	SourceBuiltin     Source = "built-in default"
)

// Enumerated preference keys.
const (
	ManagedInstallDir                        = "ManagedInstallDir"
	SoftwareRepoURL                          = "SoftwareRepoURL"
	CatalogURL                               = "CatalogURL"
	ManifestURL                              = "ManifestURL"
	PackageURL                               = "PackageURL"
	IconURL                                  = "IconURL"
	ClientResourceURL                        = "ClientResourceURL"
	ClientIdentifier                         = "ClientIdentifier"
	LocalOnlyManifest                        = "LocalOnlyManifest"
	LogFile                                  = "LogFile"
	LoggingLevel                             = "LoggingLevel"
	LogToSyslog                              = "LogToSyslog"
	PackageVerificationMode                  = "PackageVerificationMode"
	FollowHTTPRedirects                      = "FollowHTTPRedirects"
	UseClientCertificate                     = "UseClientCertificate"
	ClientCertificatePath                    = "ClientCertificatePath"
	ClientKeyPath                            = "ClientKeyPath"
	SoftwareRepoCACertificate                = "SoftwareRepoCACertificate"
	AdditionalHTTPHeaders                    = "AdditionalHttpHeaders"
	SuppressAutoInstall                      = "SuppressAutoInstall"
	SuppressStopButtonOnInstall              = "SuppressStopButtonOnInstall"
	InstallRequiresLogout                    = "InstallRequiresLogout"
	UnattendedAppleUpdates                   = "UnattendedAppleUpdates"
	ShowOptionalInstallsForHigherOSVersions  = "ShowOptionalInstallsForHigherOSVersions"
	DaysBetweenNotifications                 = "DaysBetweenNotifications"
	LicenseInfoURL                           = "LicenseInfoURL"
	PreflightScript                          = "PreflightScript"
	PostflightScript                         = "PostflightScript"
)

// builtinDefaults enumerates every known key and its default value. A key
// absent from this map is not a valid preference.
var builtinDefaults = map[string]interface{}{
	ManagedInstallDir:                       "/Library/Managed Installs",
	SoftwareRepoURL:                         "https://munki.example.com/repo",
	CatalogURL:                              "",
	ManifestURL:                             "",
	PackageURL:                              "",
	IconURL:                                 "",
	ClientResourceURL:                       "",
	ClientIdentifier:                        "",
	LocalOnlyManifest:                       "",
	LogFile:                                 "",
	LoggingLevel:                            1,
	LogToSyslog:                             false,
	PackageVerificationMode:                 "hash",
	FollowHTTPRedirects:                     "none",
	UseClientCertificate:                    false,
	ClientCertificatePath:                   "",
	ClientKeyPath:                           "",
	SoftwareRepoCACertificate:               "",
	AdditionalHTTPHeaders:                   map[string]interface{}{},
	SuppressAutoInstall:                     false,
	SuppressStopButtonOnInstall:             false,
	InstallRequiresLogout:                   false,
	UnattendedAppleUpdates:                  false,
	ShowOptionalInstallsForHigherOSVersions: false,
	DaysBetweenNotifications:                1,
	LicenseInfoURL:                          "",
	PreflightScript:                         "",
	PostflightScript:                        "",
}

// LayerPaths names the file backing each override layer, highest precedence
// first. Missing files are simply skipped.
type LayerPaths struct {
	Forced      string
	PerHostUser string
	User        string
	System      string
	Global      string
}

// DefaultLayerPaths returns the standard on-disk layout.
func DefaultLayerPaths() LayerPaths {
	home, _ := os.UserHomeDir()
	return LayerPaths{
		Forced:      "/Library/Managed Preferences/ManagedInstalls.yaml",
		PerHostUser: filepath.Join(home, "Library/Preferences/ByHost/ManagedInstalls.yaml"),
		User:        filepath.Join(home, "Library/Preferences/ManagedInstalls.yaml"),
		System:      "/Library/Preferences/ManagedInstalls.yaml",
		Global:      "/Library/Preferences/.GlobalPreferences.yaml",
	}
}

type layer struct {
	source Source
	path   string
	values map[string]interface{}
}

// Store resolves preference reads against the layered files. A Store loads
// all layers once at construction; Set rewrites the system layer and the
// in-memory copy together.
type Store struct {
	mu     sync.RWMutex
	layers []layer
	paths  LayerPaths
}

// Open reads every layer file that exists and returns a ready Store.
// Unparseable layer files are skipped rather than fatal: a corrupt user
// preference file must not take down the managed run.
func Open(paths LayerPaths) (*Store, error) {
	ordered := []struct {
		source Source
		path   string
	}{
		{SourceForced, paths.Forced},
		{SourcePerHostUser, paths.PerHostUser},
		{SourceUser, paths.User},
		{SourceSystem, paths.System},
		{SourceGlobal, paths.Global},
	}

	s := &Store{paths: paths}
	for _, l := range ordered {
		values, err := readLayer(l.path)
		if err != nil {
			continue
		}
		s.layers = append(s.layers, layer{source: l.source, path: l.path, values: values})
	}
	return s, nil
}

func readLayer(path string) (map[string]interface{}, error) {
	if path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	return values, nil
}

// Get returns the effective value for key, or the built-in default.
// Unknown keys return nil.
func (s *Store) Get(key string) interface{} {
	v, _ := s.lookup(key)
	return v
}

// EffectiveSource reports which layer supplies the value for key.
func (s *Store) EffectiveSource(key string) Source {
	_, src := s.lookup(key)
	return src
}

func (s *Store) lookup(key string) (interface{}, Source) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.layers {
		if v, ok := l.values[key]; ok {
			return v, l.source
		}
	}
	if v, ok := builtinDefaults[key]; ok {
		return v, SourceBuiltin
	}
	return nil, SourceBuiltin
}

// Set writes key into the system-wide layer and persists it.
func (s *Store) Set(key string, value interface{}) error {
	if _, ok := builtinDefaults[key]; !ok {
		return fmt.Errorf("unknown preference key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sys *layer
	for i := range s.layers {
		if s.layers[i].source == SourceSystem {
			sys = &s.layers[i]
			break
		}
	}
	if sys == nil {
		s.layers = append(s.layers, layer{
			source: SourceSystem,
			path:   s.paths.System,
			values: map[string]interface{}{},
		})
		sys = &s.layers[len(s.layers)-1]
		// keep precedence order: system sits above global defaults
		sortLayers(s.layers)
		for i := range s.layers {
			if s.layers[i].source == SourceSystem {
				sys = &s.layers[i]
			}
		}
	}

	sys.values[key] = value

	data, err := yaml.Marshal(sys.values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(sys.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(sys.path, data, 0o644)
}

var precedence = map[Source]int{
	SourceForced:      0,
	SourcePerHostUser: 1,
	SourceUser:        2,
	SourceSystem:      3,
	SourceGlobal:      4,
}

func sortLayers(layers []layer) {
	for i := 1; i < len(layers); i++ {
		for j := i; j > 0 && precedence[layers[j].source] < precedence[layers[j-1].source]; j-- {
			layers[j], layers[j-1] = layers[j-1], layers[j]
		}
	}
}

// Typed accessors. Values in YAML layers arrive as interface{}; these
// coerce the common encodings.

// GetString returns the effective value of key as a string.
func (s *Store) GetString(key string) string {
	switch v := s.Get(key).(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetInt returns the effective value of key as an int.
func (s *Store) GetInt(key string) int {
	switch v := s.Get(key).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// GetBool returns the effective value of key as a bool.
func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key).(bool)
	return v
}

// GetDate returns the effective value of key as a time.Time.
func (s *Store) GetDate(key string) time.Time {
	switch v := s.Get(key).(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// GetStringMap returns the effective value of key as a map of strings, used
// for AdditionalHttpHeaders.
func (s *Store) GetStringMap(key string) map[string]string {
	out := map[string]string{}
	switch v := s.Get(key).(type) {
	case map[string]interface{}:
		for k, val := range v {
			out[k] = fmt.Sprintf("%v", val)
		}
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	}
	return out
}

// RepoURL returns the effective base URL for kind ("catalogs", "manifests",
// "pkgs", "icons", "client_resources"), honoring the per-root overrides.
func (s *Store) RepoURL(kind string) string {
	override := map[string]string{
		"catalogs":         s.GetString(CatalogURL),
		"manifests":        s.GetString(ManifestURL),
		"pkgs":             s.GetString(PackageURL),
		"icons":            s.GetString(IconURL),
		"client_resources": s.GetString(ClientResourceURL),
	}[kind]
	if override != "" {
		return override
	}
	return trimSlash(s.GetString(SoftwareRepoURL)) + "/" + kind
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
