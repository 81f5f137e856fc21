package interceptor

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is the ordered list of asset paths a generation precaches at install.
type Manifest []string

// DefaultManifest is the compiled-in asset list.
var DefaultManifest = Manifest{"/", "/index.html", "/style.css", "/script.js", "/manifest.json"}

// manifestFile is the YAML layout of an asset manifest override, e.g.
//
//	assets:
//	  - /
//	  - /index.html
type manifestFile struct {
	Assets []string `yaml:"assets"`
}

// LoadManifest reads the manifest at `path`; an empty path yields DefaultManifest.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return slices.Clone(DefaultManifest), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset manifest %s: %w", path, err)
	}
	var file manifestFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("failed to parse asset manifest %s: %w", path, err)
	}
	manifest := Manifest(file.Assets)
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid asset manifest %s: %w", path, err)
	}
	return manifest, nil
}

// Validate checks that every entry is a unique, origin relative path.
func (m Manifest) Validate() error {
	if len(m) == 0 {
		return errors.New("empty asset list")
	}
	seen := make(map[string]struct{}, len(m))
	for _, path := range m {
		if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
			return fmt.Errorf("asset path %q is not origin relative", path)
		}
		if _, exists := seen[path]; exists {
			return fmt.Errorf("duplicate asset path %q", path)
		}
		seen[path] = struct{}{}
	}
	return nil
}
