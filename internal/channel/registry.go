package channel

import (
	"fmt"
	"sync"
)

// Registry holds all registered channel adapters and provides typed
// capability lookups. It must be created via NewRegistry and passed
// explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// ParseChannelType validates and normalizes a raw string into a
// registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("unsupported channel type: %s", raw)
	}
	return ct, nil
}

// ListDescriptors returns descriptors for all registered channel types.
func (r *Registry) ListDescriptors() []Descriptor {
	adapters := r.List()
	items := make([]Descriptor, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, a.Descriptor())
	}
	return items
}

// InboundHandler returns the inbound handler for the channel type if the
// adapter implements it.
func (r *Registry) InboundHandler(channelType ChannelType) (InboundHandler, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	h, ok := adapter.(InboundHandler)
	return h, ok
}

// Sender returns the sender for the channel type if the adapter
// implements it.
func (r *Registry) Sender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	s, ok := adapter.(Sender)
	return s, ok
}

// Prober returns the prober for the channel type if the adapter
// implements it.
func (r *Registry) Prober(channelType ChannelType) (Prober, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	p, ok := adapter.(Prober)
	return p, ok
}

// SubscriptionVerifier returns the subscription verifier for the channel
// type if the adapter implements it.
func (r *Registry) SubscriptionVerifier(channelType ChannelType) (SubscriptionVerifier, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	v, ok := adapter.(SubscriptionVerifier)
	return v, ok
}

// MediaFetcher returns the media fetcher for the channel type if the
// adapter implements it.
func (r *Registry) MediaFetcher(channelType ChannelType) (MediaFetcher, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	f, ok := adapter.(MediaFetcher)
	return f, ok
}
