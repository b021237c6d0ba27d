package sftpclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Registry keeps track of live clients so they can be inspected and closed
// together. It never shares or reuses a client between callers.
type Registry struct {
	mu      sync.RWMutex
	clients map[*Client]*trackedClient
}

type trackedClient struct {
	endpoint string
	since    time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[*Client]*trackedClient),
	}
}

// Track adds c. Tracking the same client twice is a no-op.
func (r *Registry) Track(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		return
	}
	r.clients[c] = &trackedClient{
		endpoint: EndpointKey(c.Config()),
		since:    time.Now(),
	}
}

// Untrack removes c.
func (r *Registry) Untrack(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
}

// Stats returns current registry statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Total:     len(r.clients),
		Endpoints: make(map[string]int),
	}
	for c, tc := range r.clients {
		if c.State() == StateConnected {
			stats.Connected++
		}
		stats.Endpoints[tc.endpoint]++
	}
	return stats
}

// RegistryStats contains registry statistics.
type RegistryStats struct {
	Total     int
	Connected int
	// Endpoints counts clients per EndpointKey.
	Endpoints map[string]int
}

// CloseAll closes every tracked client and empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*Client]*trackedClient)
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			errs[i] = c.Close()
		}(i, c)
	}
	wg.Wait()

	return multierr.Combine(errs...)
}

// EndpointKey fingerprints the endpoint of config. Credentials are not part
// of the key so it is safe to log.
func EndpointKey(config Config) string {
	config = config.WithDefaults()
	h := sha256.New()

	h.Write([]byte(config.Host))
	fmt.Fprintf(h, ":%d:", config.Port)
	h.Write([]byte(config.User))

	return hex.EncodeToString(h.Sum(nil))[:16]
}
