package identity

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/userbar/model"
)

type usersFile struct {
	Users []model.UserProfile `yaml:"users"`
}

// FileStore resolves profiles from a YAML file of the form
//
//	users:
//	  - id: "1"
//	    username: ada
//	    roles: [editor]
//	    capabilities:
//	      - {name: edit_posts, granted: true}
//	    meta:
//	      position: Engineer
type FileStore struct {
	path  string
	mu    sync.RWMutex
	users map[model.Identity]model.UserProfile
}

// NewFileStore loads users from path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

// Resolve returns a copy of the profile for id.
func (s *FileStore) Resolve(_ context.Context, id model.Identity) (model.UserProfile, error) {
	s.mu.RLock()
	p, ok := s.users[id]
	s.mu.RUnlock()
	if !ok {
		return model.UserProfile{}, fmt.Errorf("identity %q: %w", id, model.ErrIdentityNotFound)
	}
	return p.Clone(), nil
}

// Len returns the number of loaded users.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Sync reloads the user file from disk.
func (s *FileStore) Sync() error {
	_, err := s.Reload()
	return err
}

// Reload re-reads the user file and returns, sorted, the identities whose
// profile was added, removed or changed. On error the previous contents are
// kept and nothing is reported.
func (s *FileStore) Reload() ([]model.Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("identity: reading user file %s: %w", s.path, err)
	}

	var f usersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("identity: parsing user file %s: %w", s.path, err)
	}

	users := make(map[model.Identity]model.UserProfile, len(f.Users))
	for i, u := range f.Users {
		if u.Identity == "" {
			return nil, fmt.Errorf("identity: user file %s: entry %d has no id", s.path, i)
		}
		if _, dup := users[u.Identity]; dup {
			return nil, fmt.Errorf("identity: user file %s: duplicate id %q", s.path, u.Identity)
		}
		users[u.Identity] = u
	}

	s.mu.Lock()
	prev := s.users
	s.users = users
	s.mu.Unlock()

	var changed []model.Identity
	for id, u := range users {
		if old, ok := prev[id]; !ok || !reflect.DeepEqual(old, u) {
			changed = append(changed, id)
		}
	}
	for id := range prev {
		if _, ok := users[id]; !ok {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return changed, nil
}

// HealthCheck reports an error when no users are loaded.
func (s *FileStore) HealthCheck(context.Context) error {
	if s.Len() == 0 {
		return fmt.Errorf("identity: no users loaded from %s", s.path)
	}
	return nil
}
