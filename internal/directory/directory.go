// Package directory resolves the concrete approvers for a role, applying
// delegation rules.
package directory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// Directory maps roles to the users that hold them.
type Directory interface {
	// Holders returns the users holding role, in a stable order. An unknown
	// role has no holders and is not an error.
	Holders(ctx context.Context, role string) ([]string, error)
}

type directoryFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticDirectory resolves role holders from a YAML file of the form
//
//	roles:
//	  cfo: [carol]
//	  sales_manager: [alice, bob]
type StaticDirectory struct {
	path  string
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticDirectory loads a directory from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromMap builds a directory from an in-memory mapping.
func NewStaticDirectoryFromMap(roles map[string][]string) *StaticDirectory {
	d := &StaticDirectory{roles: make(map[string][]string, len(roles))}
	for role, users := range roles {
		d.roles[role] = slices.Clone(users)
	}
	return d
}

// Holders returns the holders of role.
func (d *StaticDirectory) Holders(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.roles[role]), nil
}

// Set replaces the holders of role.
func (d *StaticDirectory) Set(role string, users []string) {
	d.mu.Lock()
	if d.roles == nil {
		d.roles = map[string][]string{}
	}
	d.roles[role] = slices.Clone(users)
	d.mu.Unlock()
}

// Roles returns the number of roles known to the directory.
func (d *StaticDirectory) Roles() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.roles)
}

// Sync reloads the directory file from disk. It is a no-op for directories
// built from a map.
func (d *StaticDirectory) Sync() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}
	if f.Roles == nil {
		f.Roles = map[string][]string{}
	}

	d.mu.Lock()
	d.roles = f.Roles
	d.mu.Unlock()
	return nil
}
