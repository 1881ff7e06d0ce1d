package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	pacscache "github.com/wolfeidau/pacs-cache"
)

type fileFormat struct {
	Nodes []Node `yaml:"nodes"`
}

// Load reads the registry persisted at path and keeps it there. A missing
// file yields an empty registry.
func Load(path string, opts ...Option) (*Registry, error) {
	r := New(append(opts, WithPath(path))...)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing registry %s: %w", path, err)
	}

	nodes, err := checkNodes(f.Nodes)
	if err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	r.nodes = nodes
	r.logger.Debug("loaded registry", "path", path, "nodes", len(nodes))
	return r, nil
}

// checkNodes validates a persisted node list and repairs a missing default.
func checkNodes(nodes []Node) ([]Node, error) {
	seen := make(map[string]bool, len(nodes))
	defaults := 0
	for _, n := range nodes {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if seen[n.AETitle] {
			return nil, pacscache.Invalid("ae_title", "%q is registered twice", n.AETitle)
		}
		seen[n.AETitle] = true
		if n.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, pacscache.Invalid("default", "%d nodes are marked default", defaults)
	}
	if defaults == 0 && len(nodes) > 0 {
		nodes[0].Default = true
	}
	return nodes, nil
}

// writeFile atomically replaces path with nodes.
func writeFile(path string, nodes []Node) error {
	data, err := yaml.Marshal(fileFormat{Nodes: nodes})
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-registry-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing registry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replacing registry: %w", err)
	}
	return nil
}
