package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/provider"
	"github.com/soyeahso/unibox/internal/provider/providertest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func chat(acct, native string, groupID string, at time.Duration, unread int) domain.ChatInfo {
	return domain.ChatInfo{
		ID:              domain.CanonicalID(domain.PlatformWhatsApp, acct, native),
		Platform:        domain.PlatformWhatsApp,
		AccountID:       acct,
		GroupID:         groupID,
		Name:            native,
		LastMessageTime: t0.Add(at),
		UnreadCount:     unread,
	}
}

type fixture struct {
	svc      *Service
	wa       *providertest.Fake
	tg       *providertest.Fake
	accounts *providertest.Accounts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(nil, "silent")
	f := &fixture{
		wa: providertest.New(domain.PlatformWhatsApp),
		tg: providertest.New(domain.PlatformTelegram),
		accounts: providertest.NewAccounts(
			domain.Account{ID: "A1", Platform: domain.PlatformWhatsApp, Active: true, WorkspaceID: "ws1"},
			domain.Account{ID: "A2", Platform: domain.PlatformWhatsApp, Active: true, WorkspaceID: "ws1"},
			domain.Account{ID: "T1", Platform: domain.PlatformTelegram, Active: true, CreatedBy: "u1"},
			domain.Account{ID: "X9", Platform: domain.PlatformWhatsApp, Active: true, WorkspaceID: "other"},
			domain.Account{ID: "OFF", Platform: domain.PlatformWhatsApp, Active: false, WorkspaceID: "ws1"},
		),
	}
	reg := provider.NewRegistry(log)
	reg.Register(f.wa)
	reg.Register(f.tg)
	f.svc = New(f.accounts, reg, time.Minute, log)
	t.Cleanup(f.svc.Close)
	return f
}

var viewer = domain.Viewer{UserID: "u1", Workspaces: []string{"ws1"}}

func TestMergeByGroupID(t *testing.T) {
	merged := Merge([]domain.ChatInfo{
		chat("A1", "alice", "wa:peer:alice", time.Minute, 2),
		chat("A2", "alice", "wa:peer:alice", 2*time.Minute, 3),
		chat("A1", "bob", "wa:peer:bob", 0, 1),
	})
	require.Len(t, merged, 2)

	alice := merged[0]
	assert.Equal(t, "A2", alice.AccountID, "most recent chat is primary")
	assert.Equal(t, 5, alice.UnreadCount)
	assert.Equal(t, []string{"A1", "A2"}, alice.Accounts)
	assert.Equal(t, []string{"A1"}, merged[1].Accounts)
}

func TestMergeWithoutGroupIDKeepsChatsApart(t *testing.T) {
	merged := Merge([]domain.ChatInfo{
		chat("A1", "x", "", time.Minute, 0),
		chat("A2", "x", "", time.Minute, 0),
	})
	assert.Len(t, merged, 2)
}

func TestListChatsVisibilityAndOrder(t *testing.T) {
	f := newFixture(t)
	f.wa.SetChats("A1", []domain.ChatInfo{chat("A1", "alice", "wa:peer:alice", time.Minute, 1)}, nil)
	f.wa.SetChats("A2", []domain.ChatInfo{chat("A2", "alice", "wa:peer:alice", 3*time.Minute, 1)}, nil)
	f.wa.SetChats("X9", []domain.ChatInfo{chat("X9", "secret", "wa:peer:secret", 9*time.Minute, 0)}, nil)
	f.wa.SetChats("OFF", []domain.ChatInfo{chat("OFF", "muted", "wa:peer:muted", 9*time.Minute, 0)}, nil)
	tgChat := chat("T1", "100", "tg:peer:100", 2*time.Minute, 4)
	tgChat.Platform = domain.PlatformTelegram
	f.tg.SetChats("T1", []domain.ChatInfo{tgChat}, nil)

	list, err := f.svc.ListChats(context.Background(), viewer, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, list.Status)
	assert.Equal(t, 2, list.TotalCount)
	assert.False(t, list.HasMore)
	require.Len(t, list.Chats, 2)
	assert.Equal(t, "wa:peer:alice", list.Chats[0].GroupID)
	assert.Equal(t, 2, list.Chats[0].UnreadCount)
	assert.Equal(t, "tg:peer:100", list.Chats[1].GroupID)

	for i := 1; i < len(list.Chats); i++ {
		assert.False(t, list.Chats[i].LastMessageTime.After(list.Chats[i-1].LastMessageTime))
	}
}

func TestListChatsLimit(t *testing.T) {
	f := newFixture(t)
	f.wa.SetChats("A1", []domain.ChatInfo{
		chat("A1", "a", "wa:peer:a", 3*time.Minute, 0),
		chat("A1", "b", "wa:peer:b", 2*time.Minute, 0),
		chat("A1", "c", "wa:peer:c", time.Minute, 0),
	}, nil)

	list, err := f.svc.ListChats(context.Background(), viewer, 2)
	require.NoError(t, err)
	assert.Len(t, list.Chats, 2)
	assert.Equal(t, 3, list.TotalCount)
	assert.True(t, list.HasMore)
}

func TestListChatsPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.wa.SetChats("A1", []domain.ChatInfo{chat("A1", "a", "wa:peer:a", 0, 0)}, nil)
	f.wa.SetChats("A2", nil, errors.New("boom"))

	list, err := f.svc.ListChats(context.Background(), viewer, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, list.Status)
	require.Len(t, list.Errors, 1)
	assert.Equal(t, "A2", list.Errors[0].AccountID)
	assert.Len(t, list.Chats, 1)
}

func TestListChatsAllFailed(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	f.wa.SetChats("A1", nil, boom)
	f.wa.SetChats("A2", nil, boom)
	f.tg.SetChats("T1", nil, boom)

	list, err := f.svc.ListChats(context.Background(), viewer, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, list.Status)
	assert.NotNil(t, list.Chats)
	assert.Empty(t, list.Chats)
}

func TestListChatsIsCachedUntilSend(t *testing.T) {
	f := newFixture(t)
	f.wa.SetChats("A1", []domain.ChatInfo{chat("A1", "a", "wa:peer:a", 0, 0)}, nil)

	first, err := f.svc.ListChats(context.Background(), viewer, 0)
	require.NoError(t, err)
	require.Len(t, first.Chats, 1)

	f.wa.SetChats("A1", []domain.ChatInfo{
		chat("A1", "a", "wa:peer:a", 0, 0),
		chat("A1", "b", "wa:peer:b", time.Minute, 0),
	}, nil)
	cached, err := f.svc.ListChats(context.Background(), viewer, 0)
	require.NoError(t, err)
	assert.Len(t, cached.Chats, 1)

	_, err = f.svc.Send(context.Background(), "wa:A1:a", domain.SendRequest{Content: "hi"})
	require.NoError(t, err)

	fresh, err := f.svc.ListChats(context.Background(), viewer, 0)
	require.NoError(t, err)
	assert.Len(t, fresh.Chats, 2)
}

func TestChatsForAccount(t *testing.T) {
	f := newFixture(t)
	f.wa.SetChats("X9", []domain.ChatInfo{chat("X9", "a", "wa:peer:a", 0, 0)}, nil)

	list, err := f.svc.ChatsForAccount(context.Background(), "X9")
	require.NoError(t, err)
	assert.Len(t, list.Chats, 1)

	_, err = f.svc.ChatsForAccount(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)
}

func TestListMessagesRoutesByChatID(t *testing.T) {
	f := newFixture(t)
	f.tg.Pages["tg:T1:100"] = domain.MessagePage{Messages: []domain.ChatMessage{{ID: "tg:T1:100_1"}}}

	page, err := f.svc.ListMessages(context.Background(), "tg:T1:100", 10)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)

	_, err = f.svc.ListMessages(context.Background(), "tg:ZZ:100", 10)
	assert.ErrorIs(t, err, domain.ErrUnknownAccount)

	_, err = f.svc.ListMessages(context.Background(), "bogus", 10)
	assert.Error(t, err)
}

func TestSendSurfacesProviderError(t *testing.T) {
	f := newFixture(t)
	f.wa.SendErr = &domain.TargetError{ChatID: "wa:A1:a", Reason: domain.TargetWriteForbidden}

	_, err := f.svc.Send(context.Background(), "wa:A1:a", domain.SendRequest{Content: "hi"})
	assert.True(t, domain.IsTargetError(err))
}
