package sftpclient

import (
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointKey(t *testing.T) {
	base := Config{Host: "example.com", Port: 22, User: "deploy"}

	tests := []struct {
		name   string
		config Config
		same   bool
	}{
		{"identical", base, true},
		{"default port", Config{Host: "example.com", User: "deploy"}, true},
		{"password ignored", Config{Host: "example.com", Port: 22, User: "deploy", Password: "secret"}, true},
		{"key ignored", Config{Host: "example.com", Port: 22, User: "deploy", KeyPath: "/k"}, true},
		{"different host", Config{Host: "other.com", Port: 22, User: "deploy"}, false},
		{"different port", Config{Host: "example.com", Port: 2222, User: "deploy"}, false},
		{"different user", Config{Host: "example.com", Port: 22, User: "admin"}, false},
	}

	key := EndpointKey(base)
	assert.Len(t, key, 16)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.same, EndpointKey(tt.config) == key)
		})
	}
}

func TestRegistry_TrackAndStats(t *testing.T) {
	srv := newTestServer(t, sftp.Handlers{})
	r := NewRegistry()

	assert.Equal(t, 0, r.Stats().Total)

	a := connectTestClient(t, srv, nil, WithRegistry(r))
	b := connectTestClient(t, srv, nil, WithRegistry(r))
	idle := New(srv.clientConfig())
	r.Track(idle)
	r.Track(a)

	stats := r.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Connected)
	assert.Equal(t, map[string]int{EndpointKey(srv.clientConfig()): 3}, stats.Endpoints)

	require.NoError(t, b.Close())
	stats = r.Stats()
	assert.Equal(t, 2, stats.Total, "closed clients leave the registry")
	assert.Equal(t, 1, stats.Connected)

	r.Untrack(idle)
	r.Untrack(idle)
	assert.Equal(t, 1, r.Stats().Total)
}

func TestRegistry_CloseAll(t *testing.T) {
	srv := newTestServer(t, sftp.Handlers{})
	r := NewRegistry()

	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = connectTestClient(t, srv, nil, WithRegistry(r))
	}
	require.Equal(t, 4, r.Stats().Total)

	require.NoError(t, r.CloseAll())
	assert.Equal(t, 0, r.Stats().Total)
	for _, c := range clients {
		assert.Equal(t, StateClosed, c.State())
	}

	assert.NoError(t, r.CloseAll(), "closing an empty registry is a no-op")
}
