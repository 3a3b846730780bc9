// Package registry tracks downstream verifiers and pushes snapshots of the
// public key set and revocation list to them.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tinywideclouds/go-token-authority/internal/metrics"
	"github.com/tinywideclouds/go-token-authority/pkg/authority"
	"golang.org/x/sync/errgroup"
)

const DefaultTimeout = 10 * time.Second

// FailureHandler is invoked once per client whose delivery failed. It may
// be called from several goroutines at once.
type FailureHandler func(name string, err error)

// Options configure sync delivery.
type Options struct {
	// Timeout bounds each client delivery independently.
	Timeout time.Duration
	// MaxConcurrency caps in-flight deliveries. Zero starts one delivery per
	// client. With a cap, clients beyond it wait for a slot, so a wave of
	// hung clients delays the rest by up to Timeout.
	MaxConcurrency int
	HTTPClient     *http.Client
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	clients authority.ClientMap

	opts   Options
	logger *slog.Logger
}

// New returns an empty registry.
func New(opts Options, logger *slog.Logger) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrency < 0 {
		opts.MaxConcurrency = 0
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Registry{
		clients: make(authority.ClientMap),
		opts:    opts,
		logger:  logger.With("component", "registry"),
	}
}

// Register stores or overwrites the client called name.
func (r *Registry) Register(name, rawURL string) (authority.Client, error) {
	if name == "" {
		return authority.Client{}, &authority.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if rawURL == "" {
		return authority.Client{}, &authority.ValidationError{Field: "url", Reason: "must not be empty"}
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return authority.Client{}, &authority.ValidationError{Field: "url", Reason: fmt.Sprintf("%q is not an absolute URL", rawURL)}
	}

	client := authority.Client{Name: name, URL: rawURL}
	r.mu.Lock()
	_, existed := r.clients[name]
	r.clients[name] = client
	r.mu.Unlock()

	r.logger.Info("Registered client", "name", name, "url", rawURL, "overwrote", existed)
	return client, nil
}

// Clients returns a copy of the registered clients.
func (r *Registry) Clients() authority.ClientMap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients.Clone()
}

// Replace installs clients loaded from storage.
func (r *Registry) Replace(clients authority.ClientMap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = clients.Clone()
	if r.clients == nil {
		r.clients = make(authority.ClientMap)
	}
}

// Len is the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Sync POSTs body to every registered client concurrently. A failing
// client is reported to onFailure and never affects delivery to the
// others; Sync returns once every attempt has resolved. It returns the
// number of failed deliveries.
func (r *Registry) Sync(ctx context.Context, body []byte, onFailure FailureHandler) int {
	clients := r.Clients()
	if len(clients) == 0 {
		return 0
	}

	var mu sync.Mutex
	failed := 0
	g := new(errgroup.Group)
	if r.opts.MaxConcurrency > 0 {
		g.SetLimit(r.opts.MaxConcurrency)
	}
	for _, client := range clients {
		g.Go(func() error {
			err := r.deliver(ctx, client, body)
			metrics.RecordSyncDelivery(err)
			if err == nil {
				r.logger.Debug("Synced client", "name", client.Name)
				return nil
			}
			mu.Lock()
			failed++
			mu.Unlock()
			if onFailure != nil {
				onFailure(client.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Info("Sync finished", "clients", len(clients), "failed", failed)
	return failed
}

func (r *Registry) deliver(ctx context.Context, client authority.Client, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sync request for %s: %w", client.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver snapshot to %s: %w", client.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("client %s answered sync with status %d", client.Name, resp.StatusCode)
	}
	return nil
}
