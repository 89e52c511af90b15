package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifestKind is the required kind field of a tool manifest.
const manifestKind = "Tool"

// Manifest is one tool configuration document.
type Manifest struct {
	APIVersion string           `json:"apiVersion" yaml:"apiVersion"`
	Kind       string           `json:"kind" yaml:"kind"`
	Metadata   ManifestMetadata `json:"metadata" yaml:"metadata"`
	Spec       Descriptor       `json:"spec" yaml:"spec"`
}

// ManifestMetadata names and labels a manifest.
type ManifestMetadata struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// LoadFromBytes parses one tool descriptor from YAML or JSON manifest data.
// The filename selects the format and appears in errors.
func LoadFromBytes(filename string, data []byte) (*Descriptor, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	var manifest Manifest
	switch ext {
	case ".yaml", ".yml":
		// Round-trip through generic YAML so json.RawMessage schema fields
		// come out as JSON, not YAML.
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
		jsonData, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", filename, err)
		}
		if err := json.Unmarshal(jsonData, &manifest); err != nil {
			return nil, fmt.Errorf("decode %s: %w", filename, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
	default:
		return nil, fmt.Errorf("unsupported tool manifest extension %q in %s", ext, filename)
	}

	if manifest.Kind != manifestKind {
		return nil, fmt.Errorf("manifest %s: expected kind %q, got %q", filename, manifestKind, manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return nil, fmt.Errorf("manifest %s: metadata.name is required", filename)
	}

	desc := manifest.Spec
	if desc.Name == "" {
		desc.Name = manifest.Metadata.Name
	}
	return &desc, nil
}

// LoadDir loads every tool manifest under dir (non-recursive). Files with
// unknown extensions are skipped; a malformed manifest fails the whole load.
func LoadDir(dir string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tool dir %s: %w", dir, err)
	}

	var descs []*Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		desc, err := LoadFromBytes(path, data)
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}
