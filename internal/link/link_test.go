package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
)

type scriptedLinker struct {
	codes    []string
	password bool
	err      error
	block    bool

	gotPassword string
}

func (l *scriptedLinker) Link(ctx context.Context, acct domain.Account, prompts domain.LinkPrompts) (domain.Account, error) {
	for _, c := range l.codes {
		prompts.OnCode(c)
	}
	if l.block {
		<-ctx.Done()
		return acct, ctx.Err()
	}
	if l.password {
		pw, err := prompts.Password(ctx)
		if err != nil {
			return acct, err
		}
		l.gotPassword = pw
	}
	if l.err != nil {
		return acct, l.err
	}
	acct.Label = "linked"
	return acct, nil
}

type recordingRegistrar struct {
	mu       sync.Mutex
	accounts []domain.Account
	err      error
}

func (r *recordingRegistrar) Register(_ context.Context, acct domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.accounts = append(r.accounts, acct)
	return nil
}

func (r *recordingRegistrar) registered() []domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Account(nil), r.accounts...)
}

func newManager(t *testing.T, l domain.Linker, r Registrar, timeout time.Duration) *Manager {
	t.Helper()
	m := NewManager(map[domain.Platform]domain.Linker{domain.PlatformWhatsApp: l}, r, timeout, logging.New(nil, "silent"))
	t.Cleanup(m.Close)
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want Status) Session {
	t.Helper()
	var s Session
	require.Eventually(t, func() bool {
		var err error
		s, err = m.Status(id)
		return err == nil && s.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestLinkSuccessRegistersAccount(t *testing.T) {
	reg := &recordingRegistrar{}
	m := newManager(t, &scriptedLinker{codes: []string{"2@code"}}, reg, time.Minute)

	s, err := m.Start(context.Background(), domain.PlatformWhatsApp, Options{WorkspaceID: "ws1", CreatedBy: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.AccountID)

	done := waitStatus(t, m, s.ID, StatusSuccess)
	require.NotNil(t, done.Account)
	assert.Equal(t, "linked", done.Account.Label)
	assert.Empty(t, done.QRCode)

	accts := reg.registered()
	require.Len(t, accts, 1)
	assert.Equal(t, s.AccountID, accts[0].ID)
	assert.Equal(t, "ws1", accts[0].WorkspaceID)
	assert.True(t, accts[0].Active)
}

func TestLinkRendersQRCode(t *testing.T) {
	m := newManager(t, &scriptedLinker{codes: []string{"2@one", "2@two"}, block: true}, &recordingRegistrar{}, time.Minute)

	s, err := m.Start(context.Background(), domain.PlatformWhatsApp, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := m.Status(s.ID)
		return st.QRCode == "2@two"
	}, time.Second, 5*time.Millisecond)

	st, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, st.QRImage)
	assert.Equal(t, StatusPending, st.Status)
}

func TestLinkPassword(t *testing.T) {
	linker := &scriptedLinker{codes: []string{"tg://login?token=x"}, password: true}
	m := NewManager(map[domain.Platform]domain.Linker{domain.PlatformTelegram: linker}, &recordingRegistrar{}, time.Minute, logging.New(nil, "silent"))
	t.Cleanup(m.Close)

	s, err := m.Start(context.Background(), domain.PlatformTelegram, Options{})
	require.NoError(t, err)
	waitStatus(t, m, s.ID, StatusWaitingPassword)

	_, err = m.SubmitPassword(s.ID, "secret")
	require.NoError(t, err)
	waitStatus(t, m, s.ID, StatusSuccess)
	assert.Equal(t, "secret", linker.gotPassword)

	_, err = m.SubmitPassword(s.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLinkCancel(t *testing.T) {
	reg := &recordingRegistrar{}
	m := newManager(t, &scriptedLinker{codes: []string{"2@code"}, block: true}, reg, time.Minute)

	s, err := m.Start(context.Background(), domain.PlatformWhatsApp, Options{})
	require.NoError(t, err)

	got, err := m.Cancel(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	time.Sleep(20 * time.Millisecond)
	st, err := m.Status(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Empty(t, reg.registered())
}

func TestLinkExpires(t *testing.T) {
	m := newManager(t, &scriptedLinker{codes: []string{"2@code"}, block: true}, &recordingRegistrar{}, 30*time.Millisecond)

	s, err := m.Start(context.Background(), domain.PlatformWhatsApp, Options{})
	require.NoError(t, err)
	waitStatus(t, m, s.ID, StatusExpired)
}

func TestLinkFailure(t *testing.T) {
	m := newManager(t, &scriptedLinker{err: errors.New("pairing rejected")}, &recordingRegistrar{}, time.Minute)

	s, err := m.Start(context.Background(), domain.PlatformWhatsApp, Options{})
	require.NoError(t, err)
	failed := waitStatus(t, m, s.ID, StatusFailed)
	assert.Contains(t, failed.Error, "pairing rejected")
}

func TestLinkRegistrationFailure(t *testing.T) {
	m := newManager(t, &scriptedLinker{}, &recordingRegistrar{err: errors.New("disk full")}, time.Minute)

	s, err := m.Start(context.Background(), domain.PlatformWhatsApp, Options{})
	require.NoError(t, err)
	failed := waitStatus(t, m, s.ID, StatusFailed)
	assert.Contains(t, failed.Error, "disk full")
}

func TestLinkUnknownPlatformAndSession(t *testing.T) {
	m := newManager(t, &scriptedLinker{}, &recordingRegistrar{}, time.Minute)

	_, err := m.Start(context.Background(), domain.PlatformTelegram, Options{})
	assert.ErrorIs(t, err, domain.ErrUnsupportedPlatform)

	_, err = m.Status("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Cancel("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
