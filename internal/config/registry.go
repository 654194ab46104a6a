package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicebridge/pkg/audio"
	"github.com/MrWong99/voicebridge/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	speech map[string]func(SpeechConfig) (speech.Endpoint, error)
	room   map[string]func(RoomConfig) (audio.Platform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		speech: make(map[string]func(SpeechConfig) (speech.Endpoint, error)),
		room:   make(map[string]func(RoomConfig) (audio.Platform, error)),
	}
}

// RegisterSpeech registers a speech endpoint factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpeech(name string, factory func(SpeechConfig) (speech.Endpoint, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// RegisterRoom registers a room transport factory under name.
func (r *Registry) RegisterRoom(name string, factory func(RoomConfig) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room[name] = factory
}

// CreateSpeech instantiates a speech endpoint using the factory registered
// under cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSpeech(cfg SpeechConfig) (speech.Endpoint, error) {
	r.mu.RLock()
	factory, ok := r.speech[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateRoom instantiates a room transport using the factory registered under
// cfg.Provider.
func (r *Registry) CreateRoom(cfg RoomConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.room[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: room/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
