package session

import (
	"context"
	"sync"
	"time"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/metrics"
)

// Providers resolves the provider for a platform.
type Providers interface {
	Get(p domain.Platform) (domain.MessageProvider, bool)
}

// Options tunes the watchdog and reconcile loops.
type Options struct {
	PollInterval      time.Duration
	GraceWindow       time.Duration
	ReconcileInterval time.Duration
	// Now overrides the clock. Used by tests.
	Now func() time.Time
	// OnStatus receives every account-status-changed event.
	OnStatus func(domain.AccountStatusChanged)
	// OnRemoved runs after an account has been logged out and deleted so
	// caches and media can be purged.
	OnRemoved func(ctx context.Context, a domain.Account)
}

type tracked struct {
	state          domain.ConnState
	unhealthySince time.Time
}

// Manager owns account lifecycle: it watches connection state, cascades
// logouts, and keeps exactly one listener per active connected account.
type Manager struct {
	store     *FileStore
	providers Providers
	opts      Options
	log       *logging.Logger

	mu    sync.Mutex
	track map[string]*tracked
}

// NewManager creates a manager. Zero durations fall back to 5s, 45s and 60s.
func NewManager(store *FileStore, providers Providers, opts Options, log *logging.Logger) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = 45 * time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:     store,
		providers: providers,
		opts:      opts,
		log:       log.Sub("sessions"),
		track:     make(map[string]*tracked),
	}
}

// Accounts returns the underlying account store.
func (m *Manager) Accounts() *FileStore { return m.store }

// Get returns an account record.
func (m *Manager) Get(id string) (domain.Account, bool) { return m.store.Get(id) }

// List returns the accounts of a platform, or all when p is empty.
func (m *Manager) List(p domain.Platform) []domain.Account { return m.store.List(p) }

// Run drives the watchdog and reconcile loops until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()
	reconcile := time.NewTicker(m.opts.ReconcileInterval)
	defer reconcile.Stop()

	m.log.Info().
		Dur("poll", m.opts.PollInterval).
		Dur("grace", m.opts.GraceWindow).
		Dur("reconcile", m.opts.ReconcileInterval).
		Msg("session manager started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			m.CheckOnce(ctx)
		case <-reconcile.C:
			m.Reconcile(ctx)
		}
	}
}

// CheckOnce polls every account's connection state once.
func (m *Manager) CheckOnce(ctx context.Context) {
	now := m.opts.Now()
	counts := map[domain.Platform]map[domain.ConnState]int{}

	for _, acct := range m.store.List("") {
		prov, ok := m.providers.Get(acct.Platform)
		if !ok {
			continue
		}
		state := prov.ConnectionState(acct.ID)

		if counts[acct.Platform] == nil {
			counts[acct.Platform] = map[domain.ConnState]int{}
		}
		counts[acct.Platform][state]++

		m.mu.Lock()
		t, seen := m.track[acct.ID]
		if !seen {
			t = &tracked{}
			m.track[acct.ID] = t
		}
		changed := t.state != state
		t.state = state
		if state.Healthy() {
			t.unhealthySince = time.Time{}
		} else if t.unhealthySince.IsZero() {
			t.unhealthySince = now
		}
		since := t.unhealthySince
		m.mu.Unlock()

		if changed {
			m.log.Info().Str("account", acct.ID).Str("state", string(state)).Msg("connection state changed")
			m.emit(acct, state)
		}

		switch {
		case state == domain.StateLoggedOut:
			metrics.Default().ForcedLogouts.Inc()
			m.cascade(ctx, acct, "logged out upstream")
		case !state.Healthy() && now.Sub(since) >= m.opts.GraceWindow:
			metrics.Default().ForcedLogouts.Inc()
			m.cascade(ctx, acct, "unhealthy beyond grace window")
		}
	}

	g := metrics.Default().Accounts
	g.Reset()
	for p, byState := range counts {
		for s, n := range byState {
			g.WithLabelValues(string(p), string(s)).Set(float64(n))
		}
	}
}

// Reconcile starts listeners for active connected accounts that lack one
// and stops listeners of inactive accounts.
func (m *Manager) Reconcile(ctx context.Context) {
	for _, acct := range m.store.List("") {
		prov, ok := m.providers.Get(acct.Platform)
		if !ok {
			continue
		}
		listening := prov.IsListening(acct.ID)

		switch {
		case !acct.Active && listening:
			prov.StopAccountListening(acct.ID)
			m.log.Info().Str("account", acct.ID).Msg("stopped listener of inactive account")
		case acct.Active && !listening && prov.ConnectionState(acct.ID) == domain.StateConnected:
			if err := prov.StartAccountListening(ctx, acct.ID); err != nil {
				m.log.Warn().Err(err).Str("account", acct.ID).Msg("failed to re-attach listener")
				continue
			}
			metrics.Default().ListenerRestarts.Inc()
			m.log.Info().Str("account", acct.ID).Msg("re-attached missing listener")
		}
	}
}

// Register persists a newly linked account and starts listening if active.
func (m *Manager) Register(ctx context.Context, acct domain.Account) error {
	if err := m.store.Add(acct); err != nil {
		return err
	}
	stored, _ := m.store.Get(acct.ID)
	m.log.Info().Str("account", acct.ID).Str("platform", string(acct.Platform)).Msg("account registered")

	prov, ok := m.providers.Get(acct.Platform)
	if !ok {
		return nil
	}
	if stored.Active {
		if err := prov.StartAccountListening(ctx, acct.ID); err != nil {
			m.log.Warn().Err(err).Str("account", acct.ID).Msg("listener not started yet")
		}
	}
	m.emit(stored, prov.ConnectionState(acct.ID))
	return nil
}

// SetActive toggles an account. Deactivating stops its listener right away;
// providers also drop any event still in flight for it.
func (m *Manager) SetActive(ctx context.Context, id string, active bool) (domain.Account, error) {
	acct, err := m.store.SetActive(id, active)
	if err != nil {
		return acct, err
	}
	prov, ok := m.providers.Get(acct.Platform)
	if !ok {
		return acct, nil
	}
	if active {
		if prov.ConnectionState(id) == domain.StateConnected {
			if err := prov.StartAccountListening(ctx, id); err != nil {
				m.log.Warn().Err(err).Str("account", id).Msg("failed to start listener")
			}
		}
	} else {
		prov.StopAccountListening(id)
	}
	m.emit(acct, prov.ConnectionState(id))
	return acct, nil
}

// Logout removes an account on request, with the same cascade as a forced
// logout.
func (m *Manager) Logout(ctx context.Context, id string) error {
	acct, ok := m.store.Get(id)
	if !ok {
		return domain.ErrUnknownAccount
	}
	m.cascade(ctx, acct, "logout requested")
	return nil
}

// State returns the last observed state of an account.
func (m *Manager) State(id string) domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.track[id]; ok {
		return t.state
	}
	return ""
}

func (m *Manager) cascade(ctx context.Context, acct domain.Account, reason string) {
	log := m.log.With("account", acct.ID)
	log.Warn().Str("reason", reason).Msg("logging out account")

	if prov, ok := m.providers.Get(acct.Platform); ok {
		prov.StopAccountListening(acct.ID)
		if err := prov.Logout(ctx, acct.ID); err != nil {
			log.Warn().Err(err).Msg("provider logout failed, continuing cascade")
		}
	}
	if _, _, err := m.store.Remove(acct.ID); err != nil {
		log.Error().Err(err).Msg("failed to delete account record")
	}

	m.mu.Lock()
	delete(m.track, acct.ID)
	m.mu.Unlock()

	if m.opts.OnRemoved != nil {
		m.opts.OnRemoved(ctx, acct)
	}
	acct.Active = false
	m.emit(acct, domain.StateLoggedOut)
}

func (m *Manager) emit(acct domain.Account, state domain.ConnState) {
	if m.opts.OnStatus == nil {
		return
	}
	m.opts.OnStatus(domain.AccountStatusChanged{
		AccountID: acct.ID,
		Platform:  acct.Platform,
		Status:    state,
		Active:    acct.Active,
	})
}
