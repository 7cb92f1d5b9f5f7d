package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/boardobserver/pkg/provider/llm"
	"github.com/MrWong99/boardobserver/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// provider that has no factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its configuration block.
type Factory[P any] func(ProviderEntry) (P, error)

// Factories is a named set of provider constructors of one kind. Names are
// matched case-insensitively. The zero value is ready to use.
type Factories[P any] struct {
	kind string

	mu sync.RWMutex
	m  map[string]Factory[P]
}

// Register adds factory under name, replacing an earlier registration.
func (f *Factories[P]) Register(name string, factory Factory[P]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]Factory[P])
	}
	f.m[strings.ToLower(name)] = factory
}

// Create builds the provider entry names.
func (f *Factories[P]) Create(entry ProviderEntry) (P, error) {
	f.mu.RLock()
	factory, ok := f.m[strings.ToLower(entry.Name)]
	f.mu.RUnlock()
	if !ok {
		var zero P
		return zero, f.unknown(entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return p, fmt.Errorf("config: create %s provider %q: %w", f.kind, entry.Name, err)
	}
	return p, nil
}

// Has reports whether name is registered.
func (f *Factories[P]) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.m[strings.ToLower(name)]
	return ok
}

// Names returns the registered names, sorted.
func (f *Factories[P]) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.m))
}

func (f *Factories[P]) unknown(name string) error {
	return fmt.Errorf("%w: %s/%q (known: %s)", ErrProviderNotRegistered, f.kind, name, strings.Join(f.Names(), ", "))
}

// Registry holds the provider factories the binary was built with.
type Registry struct {
	LLM Factories[llm.Provider]
	TTS Factories[tts.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	r := &Registry{}
	r.LLM.kind = "llm"
	r.TTS.kind = "tts"
	return r
}

// Check reports every entry in pc that names an unregistered provider, so a
// typo in a fallback fails at startup rather than on the first outage. An
// empty TTS name is allowed and disables voice output.
func (r *Registry) Check(pc ProvidersConfig) error {
	var errs []error
	checkLLM := func(e ProviderEntry) {
		if !r.LLM.Has(e.Name) {
			errs = append(errs, r.LLM.unknown(e.Name))
		}
	}
	checkLLM(pc.LLM)
	for _, e := range pc.LLMFallbacks {
		checkLLM(e)
	}
	if pc.TTS.Name != "" {
		for _, e := range append([]ProviderEntry{pc.TTS}, pc.TTSFallbacks...) {
			if !r.TTS.Has(e.Name) {
				errs = append(errs, r.TTS.unknown(e.Name))
			}
		}
	}
	return errors.Join(errs...)
}
