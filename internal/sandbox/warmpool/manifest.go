package warmpool

import (
	"os"

	"gopkg.in/yaml.v3"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
)

// Manifest lists keys to keep pre-warmed at boot.
//
//	keys:
//	  - repository: https://github.com/acme/api
//	    branch: main
//	    imageTag: acme/dev:latest
//	    count: 2
type Manifest struct {
	Keys []ManifestKey `yaml:"keys"`
}

// ManifestKey is one pool key plus the number of sandboxes to warm.
type ManifestKey struct {
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
	ImageTag   string `yaml:"imageTag"`
	Count      int    `yaml:"count"`
}

// LoadManifest reads and validates a prewarm manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read warm pool manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(err, "failed to parse warm pool manifest")
	}
	for i := range m.Keys {
		if m.Keys[i].Repository == "" {
			return nil, apperrors.ValidationError("keys.repository", "manifest key requires a repository")
		}
		if m.Keys[i].Count <= 0 {
			m.Keys[i].Count = 1
		}
	}
	return &m, nil
}
