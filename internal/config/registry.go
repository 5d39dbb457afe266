package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/argushq/liveintake/pkg/audio"
	"github.com/argushq/liveintake/pkg/transport"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioBackend is a backend that can open both microphones and speakers.
type AudioBackend interface {
	audio.CaptureBackend
	audio.OutputBackend
}

// TransportFactory builds a transport provider from the full configuration.
type TransportFactory func(cfg *Config) (transport.Provider, error)

// AudioFactory builds an audio backend from the full configuration.
type AudioFactory func(cfg *Config) (AudioBackend, error)

// Registry maps transport and audio backend names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
	audio     map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
		audio:     make(map[string]AudioFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateTransport instantiates the transport named by cfg.Transport.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateTransport(cfg *Config) (transport.Provider, error) {
	r.mu.RLock()
	factory, ok := r.transport[cfg.Transport.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, cfg.Transport.Name)
	}
	return factory(cfg)
}

// CreateAudio instantiates the audio backend registered under name.
func (r *Registry) CreateAudio(name string, cfg *Config) (AudioBackend, error) {
	r.mu.RLock()
	factory, ok := r.audio[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// TransportNames returns the registered transport names, sorted.
func (r *Registry) TransportNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for name := range r.transport {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
