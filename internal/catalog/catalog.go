// Package catalog loads the read-only service catalog a node publishes to
// its peers: the set of backend services reachable through it, keyed by
// service key.
package catalog

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ServiceRecord describes one backend service a node can tunnel traffic to.
type ServiceRecord struct {
	// Key identifies the service on the wire handshake (see internal/peernet).
	Key string `toml:"key"`

	// AppLayerProtocol selects which internal/backend Handler dials the
	// backend on behalf of an inbound stream, e.g. "http".
	AppLayerProtocol string `toml:"app_layer_protocol"`

	// BackendAddr is the local address the handler dials, e.g. "127.0.0.1:8081".
	BackendAddr string `toml:"backend_addr"`
}

type catalogFile struct {
	Services []ServiceRecord `toml:"service"`
}

// Catalog is an immutable snapshot of the services a node offers. It is
// loaded once at bootstrap and shared by reference; there is no mutation
// path after Load returns.
type Catalog struct {
	byKey map[string]ServiceRecord
}

// Load reads and parses a catalog.toml file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var f catalogFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	byKey := make(map[string]ServiceRecord, len(f.Services))
	for _, svc := range f.Services {
		if svc.Key == "" {
			return nil, fmt.Errorf("catalog %s: service entry missing key", path)
		}
		if _, dup := byKey[svc.Key]; dup {
			return nil, fmt.Errorf("catalog %s: duplicate service key %q", path, svc.Key)
		}
		byKey[svc.Key] = svc
	}

	return &Catalog{byKey: byKey}, nil
}

// Lookup returns the ServiceRecord for key, or false if no such service
// is published.
func (c *Catalog) Lookup(key string) (ServiceRecord, bool) {
	rec, ok := c.byKey[key]
	return rec, ok
}

// Len returns the number of services in the catalog.
func (c *Catalog) Len() int {
	return len(c.byKey)
}

// Keys returns the set of published service keys, in no particular order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.byKey))
	for k := range c.byKey {
		keys = append(keys, k)
	}
	return keys
}
