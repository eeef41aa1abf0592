package displayname

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

type roleFile struct {
	Roles map[string]string `yaml:"roles"`
}

// RoleTable is the host's canonical role-name table, mapping role slugs to
// display names. It also defines the set of known roles.
type RoleTable struct {
	path  string
	mu    sync.RWMutex
	names map[string]string
}

// NewRoleTable returns a table holding names. It is not backed by a file.
func NewRoleTable(names map[string]string) *RoleTable {
	t := &RoleTable{names: make(map[string]string, len(names))}
	for k, v := range names {
		t.names[k] = v
	}
	return t
}

// LoadRoleTable loads a table from a YAML file of the form
//
//	roles:
//	  administrator: Administrator
//	  shop_manager: Shop Manager
func LoadRoleTable(path string) (*RoleTable, error) {
	t := &RoleTable{path: path}
	if err := t.Sync(); err != nil {
		return nil, err
	}
	return t, nil
}

// Name returns the canonical name for slug.
func (t *RoleTable) Name(slug string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.names[slug]
	return name, ok && name != ""
}

// IsRole reports whether slug is a known role.
func (t *RoleTable) IsRole(slug string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.names[slug]
	return ok
}

// Len returns the number of known roles.
func (t *RoleTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

// Sync reloads the table from its file. Tables built with NewRoleTable have
// no file and Sync is a no-op.
func (t *RoleTable) Sync() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("displayname: reading role table %s: %w", t.path, err)
	}

	var f roleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("displayname: parsing role table %s: %w", t.path, err)
	}
	if f.Roles == nil {
		f.Roles = map[string]string{}
	}

	t.mu.Lock()
	t.names = f.Roles
	t.mu.Unlock()
	return nil
}
