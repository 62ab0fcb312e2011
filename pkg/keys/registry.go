package keys

import (
	"fmt"
	"sort"
	"strings"

	appErrors "github.com/noah-isme/carvalue-api/pkg/errors"
)

// Key is a named secret used for signing or keyed hashing.
type Key struct {
	ID     string
	Secret []byte
}

// Registry resolves secrets by key id and knows which one is current.
type Registry struct {
	currentID string
	keys      map[string][]byte
}

// NewRegistry builds a registry and fails when the current id has no secret.
func NewRegistry(currentID string, secrets map[string]string) (*Registry, error) {
	currentID = strings.TrimSpace(currentID)
	keys := make(map[string][]byte, len(secrets))
	for id, secret := range secrets {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("key registry: empty key id")
		}
		if secret == "" {
			return nil, fmt.Errorf("key registry: empty secret for key %q", id)
		}
		keys[id] = []byte(secret)
	}
	r := &Registry{currentID: currentID, keys: keys}
	if _, err := r.Current(); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse reads a "kid:secret,kid2:secret2" list into a map.
func Parse(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, secret, ok := strings.Cut(pair, ":")
		id = strings.TrimSpace(id)
		secret = strings.TrimSpace(secret)
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("key list: malformed entry %q", redactPair(pair))
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("key list: duplicate key id %q", id)
		}
		out[id] = secret
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("key list: no keys configured")
	}
	return out, nil
}

// Current returns the active key.
func (r *Registry) Current() (Key, error) {
	return r.Lookup(r.currentID)
}

// Lookup returns the key registered under id.
func (r *Registry) Lookup(id string) (Key, error) {
	secret, ok := r.keys[id]
	if !ok {
		return Key{}, appErrors.Clone(appErrors.ErrKeyNotFound, fmt.Sprintf("key %q not found", id))
	}
	return Key{ID: id, Secret: secret}, nil
}

// IDs lists the registered key ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func redactPair(pair string) string {
	if id, _, ok := strings.Cut(pair, ":"); ok {
		return id + ":***"
	}
	return "***"
}
