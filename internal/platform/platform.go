package platform

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postpilot/internal/post"
)

// Client publishes a post to one destination.
type Client interface {
	Publish(ctx context.Context, p *post.Post) (Receipt, error)
}

// Receipt is what a destination reports back for a delivered post.
type Receipt struct {
	Ref string    // destination-assigned reference (message id, URL)
	At  time.Time // delivery time observed by the client
}

// Registry maps platforms to their configured clients. Register replaces,
// so a config reload can swap clients while the engine keeps its handle.
type Registry struct {
	mu      sync.RWMutex
	clients map[post.Platform]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[post.Platform]Client)}
}

func (r *Registry) Register(p post.Platform, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		delete(r.clients, p)
		return
	}
	r.clients[p] = c
}

func (r *Registry) Client(p post.Platform) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[p]
	return c, ok
}

// Platforms lists the destinations with a registered client, sorted.
func (r *Registry) Platforms() []post.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]post.Platform, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Throttled wraps a client with a token-bucket limit. A non-positive limit
// returns the client unchanged.
func Throttled(c Client, limit rate.Limit, burst int) Client {
	if c == nil || limit <= 0 {
		return c
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{c: c, lim: rate.NewLimiter(limit, burst)}
}

type throttled struct {
	c   Client
	lim *rate.Limiter
}

func (t *throttled) Publish(ctx context.Context, p *post.Post) (Receipt, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return Receipt{}, err
	}
	return t.c.Publish(ctx, p)
}
