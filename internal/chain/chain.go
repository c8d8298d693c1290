// Package chain defines the per-chain client abstraction used by the queue
// and a registry resolving a chain name to its client.
package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/mintqueue/internal/domain"
)

// Client builds, signs, submits and inspects transactions on one chain.
//
// BuildAndSubmit must return errors wrapped with domain.NewTransientError or
// domain.NewFatalError. Validate performs no network I/O.
type Client interface {
	Chain() domain.Chain
	Validate(payload domain.Payload) error
	BuildAndSubmit(ctx context.Context, payload domain.Payload) (txRef string, err error)
	QueryStatus(ctx context.Context, txRef string) (domain.TxStatus, error)
}

// Registry is a thread-safe set of chain clients keyed by chain
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.Chain]Client
}

// NewRegistry creates a registry with the given clients
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[domain.Chain]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the client for its chain
func (r *Registry) Register(client Client) {
	if client == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Chain()] = client
}

// Get returns the client for chain, or ErrUnsupportedChain
func (r *Registry) Get(chain domain.Chain) (Client, error) {
	r.mu.RLock()
	client, ok := r.clients[chain]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedChain, chain)
	}
	return client, nil
}

// Chains returns the registered chains in a stable order
func (r *Registry) Chains() []domain.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chains := make([]domain.Chain, 0, len(r.clients))
	for c := range r.clients {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	return chains
}
