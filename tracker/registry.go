package tracker

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Registry dispatches announces to a transport by URL scheme.
type Registry struct {
	clients map[string]Client
}

// NewRegistry wires the default HTTP and UDP transports.
func NewRegistry() *Registry {
	httpClient := NewHTTPClient(30 * time.Second)
	return &Registry{clients: map[string]Client{
		"http":  httpClient,
		"https": httpClient,
		"udp":   NewUDPClient(),
	}}
}

// NewRegistryWith builds a registry over explicit scheme bindings, used by
// tests to substitute fake transports.
func NewRegistryWith(clients map[string]Client) *Registry {
	return &Registry{clients: clients}
}

// Announce routes the request to the transport for trackerURL's scheme.
func (r *Registry) Announce(trackerURL string, req *Request) (*Response, error) {
	parsed, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	client, ok := r.clients[strings.ToLower(parsed.Scheme)]
	if !ok {
		return nil, fmt.Errorf("unsupported tracker scheme %q", parsed.Scheme)
	}
	return client.Announce(trackerURL, req)
}
