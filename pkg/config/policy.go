// Package config holds the worker policy and the process runtime settings.
//
// The policy (partition names, app-shell list, URL patterns, size bound) has
// compile-time defaults and may be overlaid from a YAML file. Runtime settings
// (listen port, origin, storage backend, logging) come from environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Sternrassler/shellcache/pkg/classifier"
	"gopkg.in/yaml.v3"
)

const (
	// CacheVersion is appended to partition names; bump it to retire old partitions.
	CacheVersion = "v1"

	// ShellPrefix names the partition holding the application shell.
	ShellPrefix = "app-shell"

	// DynamicPrefix names the partition holding runtime-fetched assets.
	DynamicPrefix = "dynamic"

	// DynamicLimit is the maximum entry count of the dynamic partition.
	DynamicLimit = 50

	// OfflinePage is served to navigations when the network and cache both fail.
	OfflinePage = "/offline.html"

	// PlaceholderImage is served for images that cannot be fetched.
	PlaceholderImage = "/images/placeholder.svg"
)

// Policy is the immutable caching policy handed to the worker at construction.
type Policy struct {
	// Version is the cache version suffix
	Version string `yaml:"version"`

	// AppShell lists the paths precached at install
	AppShell []string `yaml:"app_shell"`

	// OfflinePage is the path of the offline fallback document
	OfflinePage string `yaml:"offline_page"`

	// PlaceholderImage is the path of the cached placeholder image
	PlaceholderImage string `yaml:"placeholder_image"`

	// NeverCache patterns are matched against the URL and referrer
	NeverCache []string `yaml:"never_cache"`

	// Dynamic patterns route matching URLs to the dynamic partition
	Dynamic []string `yaml:"dynamic"`

	// DynamicLimit bounds the dynamic partition
	DynamicLimit int `yaml:"dynamic_limit"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() Policy {
	return Policy{
		Version: CacheVersion,
		AppShell: []string{
			"/",
			"/index.html",
			OfflinePage,
			"/manifest.json",
			"/css/styles.css",
			"/js/app.js",
			"/icons/icon-192.png",
			"/icons/icon-512.png",
			PlaceholderImage,
		},
		OfflinePage:      OfflinePage,
		PlaceholderImage: PlaceholderImage,
		NeverCache: []string{
			`/api/`,
			`/auth/`,
			`/login`,
			`/logout`,
			`/admin`,
			`sockjs-node`,
			`hot-update`,
			`__webpack_hmr`,
			`^chrome-extension://`,
		},
		Dynamic: []string{
			`^https://fonts\.googleapis\.com/`,
			`^https://fonts\.gstatic\.com/`,
			`^https://cdn\.jsdelivr\.net/`,
			`^https://unpkg\.com/`,
			`/images/`,
			`/uploads/`,
			`\.(png|jpe?g|gif|webp|svg)(\?.*)?$`,
		},
		DynamicLimit: DynamicLimit,
	}
}

// ShellPartition returns the versioned shell partition name.
func (p Policy) ShellPartition() string {
	return ShellPrefix + "-" + p.Version
}

// DynamicPartition returns the versioned dynamic partition name.
func (p Policy) DynamicPartition() string {
	return DynamicPrefix + "-" + p.Version
}

// Classifier compiles the policy's URL patterns.
func (p Policy) Classifier() (*classifier.Classifier, error) {
	return classifier.New(p.NeverCache, p.Dynamic)
}

// Validate checks the policy for values the worker cannot run with.
func (p Policy) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if p.DynamicLimit < 1 {
		return fmt.Errorf("dynamic_limit must be >= 1 (got %d)", p.DynamicLimit)
	}
	if !strings.HasPrefix(p.OfflinePage, "/") {
		return fmt.Errorf("offline_page must be an absolute path (got %q)", p.OfflinePage)
	}
	for _, path := range p.AppShell {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("app_shell entry must be an absolute path (got %q)", path)
		}
	}
	if _, err := p.Classifier(); err != nil {
		return err
	}
	return nil
}

// LoadPolicy reads a YAML policy file over the defaults.
// Keys missing from the file keep their default values.
func LoadPolicy(filename string) (Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(filename)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("invalid policy: %w", err)
	}
	return policy, nil
}
