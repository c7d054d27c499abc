package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pairline/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeersURL(t *testing.T) {
	tests := []struct {
		relay   string
		want    string
		wantErr bool
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080/api/v1/peers", false},
		{"wss://relay.example.com/ws?x=1", "https://relay.example.com/api/v1/peers", false},
		{"http://127.0.0.1:9000", "http://127.0.0.1:9000/api/v1/peers", false},
		{"ftp://relay.example.com", "", true},
		{"://bad", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.relay, func(t *testing.T) {
			got, err := PeersURL(tt.relay)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPDirectory_ListPeers(t *testing.T) {
	var mu sync.Mutex
	var stamps []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, peersPath, r.URL.Path)
		mu.Lock()
		stamps = append(stamps, r.URL.Query().Get("ts"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`["a","","b"]`))
	}))
	defer srv.Close()

	d := NewHTTPDirectory(Config{URL: srv.URL + peersPath}, func() domain.PeerID { return "a" }, nil)
	tick := time.Unix(100, 0)
	d.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	for i := 0; i < 2; i++ {
		peers, err := d.ListPeers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []domain.PeerID{"a", "b"}, peers)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 2)
	assert.NotEqual(t, stamps[0], stamps[1])
}

func TestHTTPDirectory_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"peers":`))
		}},
		{"slow", func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`[]`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d := NewHTTPDirectory(Config{URL: srv.URL, RequestTimeout: 50 * time.Millisecond}, nil, nil)
			peers, err := d.ListPeers(context.Background())
			assert.ErrorIs(t, err, domain.ErrNetwork)
			assert.Nil(t, peers)
		})
	}
}

func TestHTTPDirectory_ErrorBodyIsTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, strings.Repeat("x", 4096), http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPDirectory(Config{URL: srv.URL}, nil, nil).ListPeers(context.Background())
	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Contains(t, err.Error(), "502")
	assert.Less(t, len(err.Error()), 400)
	assert.True(t, strings.HasSuffix(err.Error(), "..."))
}

func TestHTTPDirectory_Unreachable(t *testing.T) {
	d := NewHTTPDirectory(Config{URL: "http://127.0.0.1:1/api/v1/peers"}, nil, nil)
	_, err := d.ListPeers(context.Background())
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestHTTPDirectory_EmptyList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	peers, err := NewHTTPDirectory(Config{URL: srv.URL}, nil, nil).ListPeers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, peers)
}
