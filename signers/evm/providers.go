package evm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"

	dapps "github.com/decentraland/dapps/go"
	dappsevm "github.com/decentraland/dapps/go/mechanisms/evm"
)

// ProviderSet dials one JSON-RPC client per chain on first use.
// The connected chain is the chain the wallet currently points at.
type ProviderSet struct {
	mu        sync.Mutex
	urls      map[dapps.ChainID]string
	clients   map[dapps.ChainID]*rpc.Client
	connected dapps.ChainID
}

var _ dappsevm.ProviderResolver = (*ProviderSet)(nil)

// NewProviderSet creates a provider set from RPC URLs
func NewProviderSet(urls map[dapps.ChainID]string, connected dapps.ChainID) *ProviderSet {
	p := &ProviderSet{
		urls:      make(map[dapps.ChainID]string, len(urls)),
		clients:   make(map[dapps.ChainID]*rpc.Client),
		connected: connected,
	}
	for chainID, url := range urls {
		p.urls[chainID] = url
	}
	return p
}

// NewProviderSetFromClients creates a provider set from already connected clients
func NewProviderSetFromClients(clients map[dapps.ChainID]*rpc.Client, connected dapps.ChainID) *ProviderSet {
	p := NewProviderSet(nil, connected)
	for chainID, client := range clients {
		p.clients[chainID] = client
	}
	return p
}

// Client returns the JSON-RPC client for the chain, dialing it if needed
func (p *ProviderSet) Client(chainID dapps.ChainID) (*rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[chainID]; ok {
		return client, nil
	}
	url, ok := p.urls[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC endpoint configured for %s", chainID)
	}
	client, err := rpc.DialContext(context.Background(), url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", chainID, err)
	}
	p.clients[chainID] = client
	return client, nil
}

// NetworkProvider returns the read provider for the chain
func (p *ProviderSet) NetworkProvider(chainID dapps.ChainID) (dappsevm.Provider, error) {
	client, err := p.Client(chainID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// ConnectedProvider returns the provider of the connected chain, or nil
func (p *ProviderSet) ConnectedProvider() dappsevm.Provider {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if connected == 0 {
		return nil
	}
	client, err := p.Client(connected)
	if err != nil {
		return nil
	}
	return client
}

// Connected returns the chain the wallet points at
func (p *ProviderSet) Connected() dapps.ChainID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// SetConnected switches the connected chain
func (p *ProviderSet) SetConnected(chainID dapps.ChainID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = chainID
}

// Close closes every dialed client
func (p *ProviderSet) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for chainID, client := range p.clients {
		client.Close()
		delete(p.clients, chainID)
	}
}
