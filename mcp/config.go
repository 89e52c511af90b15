package mcp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServersFile is the on-disk MCP server catalog.
type ServersFile struct {
	Servers []ServerConfig `json:"servers" yaml:"servers"`
}

// LoadServers reads a YAML server catalog and validates it. Every server
// needs a unique name and a command; everything else is optional.
func LoadServers(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported mcp config extension %q in %s", ext, path)
	}

	var file ServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Servers))
	for i, srv := range file.Servers {
		if srv.Name == "" {
			return nil, fmt.Errorf("mcp config %s: server %d has no name", path, i)
		}
		if srv.Command == "" {
			return nil, fmt.Errorf("mcp config %s: server %q has no command", path, srv.Name)
		}
		if seen[srv.Name] {
			return nil, fmt.Errorf("mcp config %s: duplicate server name %q", path, srv.Name)
		}
		seen[srv.Name] = true
	}
	return file.Servers, nil
}
