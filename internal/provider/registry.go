// Package provider holds the set of platform adapters and the helpers they
// share.
package provider

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

// Registry manages one MessageProvider per platform.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.Platform]domain.MessageProvider
	log       *logging.Logger
}

// NewRegistry creates a provider registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		providers: make(map[domain.Platform]domain.MessageProvider),
		log:       log.Sub("providers"),
	}
}

// Register adds a provider, replacing any previous one for its platform.
func (r *Registry) Register(p domain.MessageProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Platform()] = p
	r.log.Info().Str("platform", string(p.Platform())).Msg("provider registered")
}

// Get returns the provider for a platform.
func (r *Registry) Get(p domain.Platform) (domain.MessageProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mp, ok := r.providers[p]
	return mp, ok
}

// ForChat resolves the provider owning a canonical chat id.
func (r *Registry) ForChat(chatID string) (domain.MessageProvider, string, error) {
	p, acct, _, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		return nil, "", err
	}
	mp, ok := r.Get(p)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, p)
	}
	return mp, acct, nil
}

// Platforms returns registered platforms in canonical order.
func (r *Registry) Platforms() []domain.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Platform, 0, len(r.providers))
	for _, p := range domain.Platforms {
		if _, ok := r.providers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) all() []domain.MessageProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MessageProvider, 0, len(r.providers))
	for _, p := range domain.Platforms {
		if mp, ok := r.providers[p]; ok {
			out = append(out, mp)
		}
	}
	return out
}

// StartAll starts every provider concurrently. A provider that fails to
// start does not prevent the others; all failures are joined.
func (r *Registry) StartAll(ctx context.Context, onEvent func(domain.ProviderEvent)) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, mp := range r.all() {
		g.Go(func() error {
			r.log.Info().Str("platform", string(mp.Platform())).Msg("starting provider")
			if err := mp.Start(ctx, onEvent); err != nil {
				r.log.Error().Err(err).Str("platform", string(mp.Platform())).Msg("provider failed to start")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", mp.Platform(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StopAll stops every provider.
func (r *Registry) StopAll(ctx context.Context) {
	for _, mp := range r.all() {
		r.log.Info().Str("platform", string(mp.Platform())).Msg("stopping provider")
		if err := mp.Stop(ctx); err != nil {
			r.log.Error().Err(err).Str("platform", string(mp.Platform())).Msg("failed to stop provider")
		}
	}
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// AccountStatus is the live view of one linked account.
type AccountStatus struct {
	ID        string           `json:"id"`
	Label     string           `json:"label,omitempty"`
	Active    bool             `json:"active"`
	State     domain.ConnState `json:"state"`
	Listening bool             `json:"listening"`
}

// Status summarizes one provider.
type Status struct {
	Platform domain.Platform `json:"platform"`
	Accounts []AccountStatus `json:"accounts"`
}

// Status reports connection and listener state for every known account.
func (r *Registry) Status(accounts domain.AccountSource) []Status {
	providers := r.all()
	out := make([]Status, 0, len(providers))
	for _, mp := range providers {
		st := Status{Platform: mp.Platform(), Accounts: []AccountStatus{}}
		for _, a := range accounts.List(mp.Platform()) {
			st.Accounts = append(st.Accounts, AccountStatus{
				ID:        a.ID,
				Label:     a.Label,
				Active:    a.Active,
				State:     mp.ConnectionState(a.ID),
				Listening: mp.IsListening(a.ID),
			})
		}
		slices.SortFunc(st.Accounts, func(a, b AccountStatus) int { return cmp.Compare(a.ID, b.ID) })
		out = append(out, st)
	}
	return out
}
