package policy

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Store holds the single active SecurityPolicy. Reads take an immutable
// snapshot and never block; Reload builds a whole new policy and swaps one
// pointer, so a concurrent reader observes either the old policy or the new
// one, never a mix.
type Store struct {
	current atomic.Pointer[SecurityPolicy]
}

// NewStore creates a store seeded with the given policy. The policy is
// validated before it becomes visible.
func NewStore(p *SecurityPolicy) (*Store, error) {
	if p == nil {
		p = Default()
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("initial policy: %w", err)
	}
	s := &Store{}
	s.current.Store(p.Clone())
	return s, nil
}

// Current returns the active policy snapshot. Callers must treat the result
// as read-only; it stays valid for the whole call even if a reload happens
// concurrently.
func (s *Store) Current() *SecurityPolicy {
	return s.current.Load()
}

// Reload validates the new policy and atomically replaces the active one.
// On validation failure the active policy is left untouched.
func (s *Store) Reload(p *SecurityPolicy) error {
	if p == nil {
		return fmt.Errorf("reload: policy is nil")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	s.current.Store(p.Clone())

	log.Info().
		Dur("max_wall_clock", p.MaxWallClock).
		Int64("max_memory_bytes", p.MaxMemoryBytes).
		Int64("max_output_bytes", p.MaxOutputBytes).
		Strs("languages_enabled", p.LanguagesEnabled).
		Bool("network_allowed", p.NetworkAllowed).
		Msg("security policy reloaded")
	return nil
}
