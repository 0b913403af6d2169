// Package connectors resolves the CloudConnector for a (cloud, resource type)
// pair and supplies the credentials used against each cloud.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/broker/pkg/engine"
)

// Key identifies one connector.
type Key struct {
	Cloud string
	Type  engine.ResourceType
}

func (k Key) String() string {
	return k.Cloud + "/" + string(k.Type)
}

// Registry maps (cloud, resource type) pairs to connectors. It is filled once
// at startup and read concurrently by the processors.
type Registry struct {
	mu         sync.RWMutex
	connectors map[Key]engine.CloudConnector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[Key]engine.CloudConnector)}
}

// Register adds a connector. Registering the same pair twice is an error.
func (r *Registry) Register(cloud string, t engine.ResourceType, c engine.CloudConnector) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if cloud == "" {
		return fmt.Errorf("cloud name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Cloud: cloud, Type: t}
	if _, exists := r.connectors[key]; exists {
		return fmt.Errorf("connector %s already registered", key)
	}
	r.connectors[key] = c
	return nil
}

// Get returns the connector for a pair.
func (r *Registry) Get(cloud string, t engine.ResourceType) (engine.CloudConnector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.connectors[Key{Cloud: cloud, Type: t}]
	if !ok {
		return nil, engine.NewTerminalError(fmt.Sprintf("no %s connector for cloud %q", t, cloud), nil).
			WithCloud(cloud).
			WithCode(engine.ErrCodeUnsupported)
	}
	return c, nil
}

// Supports reports whether a connector is registered for the pair.
func (r *Registry) Supports(cloud string, t engine.ResourceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connectors[Key{Cloud: cloud, Type: t}]
	return ok
}

// Clouds returns the sorted names of clouds with at least one connector.
func (r *Registry) Clouds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for k := range r.connectors {
		if !seen[k.Cloud] {
			seen[k.Cloud] = true
			out = append(out, k.Cloud)
		}
	}
	sort.Strings(out)
	return out
}

// CloudsFor returns the sorted clouds that can serve resource type t.
func (r *Registry) CloudsFor(t engine.ResourceType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for k := range r.connectors {
		if k.Type == t {
			out = append(out, k.Cloud)
		}
	}
	sort.Strings(out)
	return out
}

// StaticCredentials serves the same credentials to every user of a cloud.
// It stands in for the identity collaborator, which maps users to their own
// cloud accounts.
type StaticCredentials map[string]map[string]string

// Credentials implements engine.CredentialsProvider.
func (s StaticCredentials) Credentials(ctx context.Context, user engine.User, cloud string) (engine.Credentials, error) {
	values, ok := s[cloud]
	if !ok {
		return engine.Credentials{Cloud: cloud, User: user}, nil
	}
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return engine.Credentials{Cloud: cloud, User: user, Values: copied}, nil
}
