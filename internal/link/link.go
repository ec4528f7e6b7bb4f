// Package link runs interactive account linking: a QR code is shown to the
// user, rotated as the platform refreshes it, and a second-factor password
// is collected when the platform asks for one.
package link

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"rsc.io/qr"

	"github.com/soyeahso/unibox/internal/cache"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

// Status is the state of a link flow.
type Status string

const (
	StatusPending         Status = "pending"
	StatusWaitingPassword Status = "waitingPassword"
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusExpired         Status = "expired"
)

// Done reports whether the flow has finished.
func (s Status) Done() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

var (
	ErrNotFound     = errors.New("link session not found")
	ErrInvalidState = errors.New("link session is not waiting for a password")
)

// Session is a snapshot of one link flow.
type Session struct {
	ID        string          `json:"id"`
	Platform  domain.Platform `json:"platform"`
	AccountID string          `json:"accountId"`
	Status    Status          `json:"status"`
	// QRCode is the raw login code; QRImage the same code as a base64 PNG.
	QRCode    string          `json:"qrCode,omitempty"`
	QRImage   string          `json:"qrImage,omitempty"`
	Error     string          `json:"error,omitempty"`
	Account   *domain.Account `json:"account,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Options describes the account being linked.
type Options struct {
	Label       string
	WorkspaceID string
	BrandID     string
	CreatedBy   string
	// Inactive links the account without starting its listener.
	Inactive bool
}

// Registrar persists a linked account. Implemented by session.Manager.
type Registrar interface {
	Register(ctx context.Context, acct domain.Account) error
}

type flow struct {
	mu       sync.Mutex
	snap     Session
	password chan string
	cancel   context.CancelFunc
	first    chan struct{}
	once     sync.Once
}

func (f *flow) snapshot() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snap
	if s.Account != nil {
		acct := *s.Account
		s.Account = &acct
	}
	return s
}

func (f *flow) update(fn func(*Session)) {
	f.mu.Lock()
	fn(&f.snap)
	f.snap.UpdatedAt = time.Now()
	f.mu.Unlock()
}

func (f *flow) ready() { f.once.Do(func() { close(f.first) }) }

// Manager tracks link flows by id.
type Manager struct {
	linkers   map[domain.Platform]domain.Linker
	registrar Registrar
	timeout   time.Duration
	flows     *cache.TTL[string, *flow]
	log       *logging.Logger
}

// NewManager creates a manager. Flows are abandoned after timeout and kept
// for status polling a while longer.
func NewManager(linkers map[domain.Platform]domain.Linker, registrar Registrar, timeout time.Duration, log *logging.Logger) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{
		linkers:   linkers,
		registrar: registrar,
		timeout:   timeout,
		flows:     cache.NewTTL[string, *flow](timeout + 5*time.Minute),
		log:       log.Sub("link"),
	}
}

// Close cancels running flows.
func (m *Manager) Close() {
	var ids []string
	m.flows.DeleteFunc(func(id string) bool {
		ids = append(ids, id)
		return false
	})
	for _, id := range ids {
		if f, ok := m.flows.Get(id); ok {
			f.cancel()
		}
	}
	m.flows.Close()
}

// Start begins linking a new account and waits for the first QR code.
func (m *Manager) Start(ctx context.Context, p domain.Platform, opts Options) (Session, error) {
	linker, ok := m.linkers[p]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, p)
	}
	now := time.Now()
	acct := domain.Account{
		ID:          uuid.NewString(),
		Platform:    p,
		Label:       opts.Label,
		WorkspaceID: opts.WorkspaceID,
		BrandID:     opts.BrandID,
		CreatedBy:   opts.CreatedBy,
		Active:      !opts.Inactive,
		CreatedAt:   now.UTC(),
	}
	f := &flow{
		snap: Session{
			ID:        uuid.NewString(),
			Platform:  p,
			AccountID: acct.ID,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
			ExpiresAt: now.Add(m.timeout),
		},
		password: make(chan string, 1),
		first:    make(chan struct{}),
	}
	runCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
	f.cancel = cancel
	m.flows.Set(f.snap.ID, f)

	m.log.Info().Str("session", f.snap.ID).Str("platform", string(p)).Msg("link started")
	go m.run(runCtx, f, linker, acct)

	select {
	case <-f.first:
	case <-time.After(30 * time.Second):
		m.log.Warn().Str("session", f.snap.ID).Msg("no login code yet")
	case <-ctx.Done():
		cancel()
		return Session{}, ctx.Err()
	}
	return f.snapshot(), nil
}

func (m *Manager) run(ctx context.Context, f *flow, linker domain.Linker, acct domain.Account) {
	defer f.cancel()
	defer f.ready()

	linked, err := linker.Link(ctx, acct, domain.LinkPrompts{
		OnCode: func(code string) {
			img, err := pngBase64(code)
			if err != nil {
				m.log.Warn().Err(err).Msg("failed to render QR code")
			}
			f.update(func(s *Session) {
				s.QRCode, s.QRImage = code, img
			})
			f.ready()
		},
		Password: func(ctx context.Context) (string, error) {
			f.update(func(s *Session) { s.Status = StatusWaitingPassword })
			f.ready()
			select {
			case pw := <-f.password:
				f.update(func(s *Session) { s.Status = StatusPending })
				return pw, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	log := m.log.With("session", f.snapshot().ID)
	if err != nil {
		f.update(func(s *Session) {
			switch {
			case s.Status == StatusCancelled:
			case errors.Is(err, context.DeadlineExceeded):
				s.Status = StatusExpired
			default:
				s.Status, s.Error = StatusFailed, err.Error()
			}
		})
		log.Warn().Err(err).Msg("link ended without an account")
		return
	}

	regCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.registrar.Register(regCtx, linked); err != nil {
		f.update(func(s *Session) { s.Status, s.Error = StatusFailed, err.Error() })
		log.Error().Err(err).Msg("failed to register linked account")
		return
	}
	f.update(func(s *Session) {
		s.Status = StatusSuccess
		s.Account = &linked
		s.QRCode, s.QRImage = "", ""
	})
	log.Info().Str("account", linked.ID).Msg("account linked")
}

func pngBase64(code string) (string, error) {
	c, err := qr.Encode(code, qr.L)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(c.PNG()), nil
}

func (m *Manager) get(id string) (*flow, error) {
	f, ok := m.flows.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// Status returns the current snapshot of a flow.
func (m *Manager) Status(id string) (Session, error) {
	f, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	return f.snapshot(), nil
}

// SubmitPassword hands the second-factor password to a waiting flow.
func (m *Manager) SubmitPassword(id, password string) (Session, error) {
	f, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	if f.snapshot().Status != StatusWaitingPassword {
		return Session{}, ErrInvalidState
	}
	select {
	case f.password <- password:
	default:
		return Session{}, ErrInvalidState
	}
	return f.snapshot(), nil
}

// Cancel aborts a flow. Cancelling a finished flow is a no-op.
func (m *Manager) Cancel(id string) (Session, error) {
	f, err := m.get(id)
	if err != nil {
		return Session{}, err
	}
	f.update(func(s *Session) {
		if !s.Status.Done() {
			s.Status = StatusCancelled
		}
	})
	f.cancel()
	m.log.Info().Str("session", id).Msg("link cancelled")
	return f.snapshot(), nil
}
