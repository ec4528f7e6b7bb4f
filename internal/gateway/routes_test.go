package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/aggregate"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/fanout"
	"github.com/soyeahso/unibox/internal/link"
)

func TestErrorShape(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"target", &domain.TargetError{ChatID: "tg:T1:5", Reason: domain.TargetWriteForbidden}, domain.TargetWriteForbidden, false},
		{"wrapped target", fmt.Errorf("send: %w", &domain.TargetError{Reason: domain.TargetPeerNotFound}), domain.TargetPeerNotFound, false},
		{"rate limit", &domain.RateLimitError{RetryAfterSeconds: 7}, CodeRateLimited, true},
		{"bare rate limit", domain.ErrRateLimited, CodeRateLimited, true},
		{"not ready", fmt.Errorf("wa: %w", domain.ErrNotReady), CodeNotReady, true},
		{"unknown account", domain.ErrUnknownAccount, CodeNotFound, false},
		{"unknown link", link.ErrNotFound, CodeNotFound, false},
		{"bad chat id", domain.ErrInvalidChatID, CodeInvalidParams, false},
		{"empty message", domain.ErrEmptyMessage, CodeInvalidParams, false},
		{"link state", link.ErrInvalidState, CodeInvalidState, false},
		{"timeout", context.DeadlineExceeded, CodeUnavailable, true},
		{"other", errors.New("boom"), CodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape := errorShape(tt.err)
			assert.Equal(t, tt.code, shape.Code)
			assert.Equal(t, tt.retryable, shape.Retryable)
		})
	}

	assert.Equal(t, 7000, errorShape(&domain.RateLimitError{RetryAfterSeconds: 7}).RetryAfter)
}

func TestAccountsListIsScopedToViewer(t *testing.T) {
	h := newHarness(t)

	var scoped struct {
		Accounts []AccountView `json:"accounts"`
	}
	requireOK(t, call(t, h.dial(t, wsViewer), "r1", "accounts.list", nil), &scoped)
	require.Len(t, scoped.Accounts, 1)
	got := scoped.Accounts[0]
	assert.Equal(t, "A1", got.ID)
	assert.Equal(t, "Sales", got.Label)
	assert.Equal(t, domain.StateConnected, got.State)
	assert.True(t, got.Listening)

	var all struct {
		Accounts []AccountView `json:"accounts"`
	}
	requireOK(t, call(t, h.dial(t, nil), "r2", "accounts.list", nil), &all)
	assert.Len(t, all.Accounts, 2)
}

func TestAccountsSetActiveAndLogout(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, wsViewer)

	var view AccountView
	requireOK(t, call(t, conn, "r1", "accounts.setActive", map[string]any{"accountId": "A1", "active": false}), &view)
	assert.False(t, view.Active)
	acct, _ := h.accounts.Get("A1")
	assert.False(t, acct.Active)

	requireErr(t, call(t, conn, "r2", "accounts.setActive", map[string]any{"accountId": "A1"}), CodeInvalidParams)
	requireErr(t, call(t, conn, "r3", "accounts.setActive", map[string]any{"accountId": "A2", "active": true}), CodeNotFound)

	requireOK(t, call(t, conn, "r4", "accounts.logout", map[string]any{"accountId": "A1"}), nil)
	assert.Equal(t, []string{"A1"}, h.accounts.loggedOut)

	requireErr(t, call(t, conn, "r5", "accounts.logout", map[string]any{}), CodeInvalidParams)
}

func TestAccountsLinkFlow(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, wsViewer)

	var sess link.Session
	requireOK(t, call(t, conn, "r1", "accounts.link.start", map[string]any{"platform": "whatsapp", "workspaceId": "ws1"}), &sess)
	require.NotEmpty(t, sess.ID)

	var st link.Session
	for i := 0; i < 100 && st.Status != link.StatusSuccess; i++ {
		requireOK(t, call(t, conn, fmt.Sprintf("poll-%d", i), "accounts.link.status", map[string]any{"sessionId": sess.ID}), &st)
		if st.Status != link.StatusSuccess {
			time.Sleep(20 * time.Millisecond)
		}
	}
	require.Equal(t, link.StatusSuccess, st.Status)
	require.NotNil(t, st.Account)
	assert.Equal(t, "u1", st.Account.CreatedBy)
	assert.Equal(t, "ws1", st.Account.WorkspaceID)

	requireErr(t, call(t, conn, "r2", "accounts.link.password", map[string]any{"sessionId": sess.ID, "password": "x"}), CodeInvalidState)
	requireErr(t, call(t, conn, "r3", "accounts.link.status", map[string]any{"sessionId": "missing"}), CodeNotFound)
	requireErr(t, call(t, conn, "r4", "accounts.link.start", map[string]any{"platform": "signal"}), CodeInvalidParams)
	requireErr(t, call(t, conn, "r5", "accounts.link.start", map[string]any{"platform": "telegram"}), CodeInvalidParams)
	requireErr(t, call(t, conn, "r6", "accounts.link.start", map[string]any{"platform": "whatsapp", "workspaceId": "other"}), CodeInvalidParams)

	var cancelled link.Session
	requireOK(t, call(t, conn, "r7", "accounts.link.cancel", map[string]any{"sessionId": sess.ID}), &cancelled)
	assert.Equal(t, link.StatusSuccess, cancelled.Status, "finished flows stay finished")
}

func TestChatsList(t *testing.T) {
	h := newHarness(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.wa.SetChats("A1", []domain.ChatInfo{
		{ID: "wa:A1:alice", AccountID: "A1", GroupID: "wa:peer:alice", LastMessageTime: at},
	}, nil)
	h.wa.SetChats("A2", []domain.ChatInfo{
		{ID: "wa:A2:secret", AccountID: "A2", GroupID: "wa:peer:secret", LastMessageTime: at},
	}, nil)

	var list aggregate.ChatList
	requireOK(t, call(t, h.dial(t, wsViewer), "r1", "chats.list", map[string]any{"limit": 10}), &list)
	require.Len(t, list.Chats, 1)
	assert.Equal(t, "wa:A1:alice", list.Chats[0].ID)
	assert.Equal(t, aggregate.StatusOK, list.Status)

	requireErr(t, call(t, h.dial(t, nil), "r2", "chats.list", nil), CodeInvalidParams)
}

func TestChatsAccount(t *testing.T) {
	h := newHarness(t)
	h.wa.SetChats("A1", []domain.ChatInfo{{ID: "wa:A1:alice", AccountID: "A1"}}, nil)
	conn := h.dial(t, wsViewer)

	var list aggregate.ChatList
	requireOK(t, call(t, conn, "r1", "chats.account", map[string]any{"accountId": "A1"}), &list)
	assert.Len(t, list.Chats, 1)

	requireErr(t, call(t, conn, "r2", "chats.account", map[string]any{"accountId": "A2"}), CodeNotFound)
}

func TestMessagesList(t *testing.T) {
	h := newHarness(t)
	h.wa.Pages["wa:A1:alice"] = domain.MessagePage{Messages: []domain.ChatMessage{{ID: "wa:A1:m1", Content: "hi"}}}
	conn := h.dial(t, wsViewer)

	var page domain.MessagePage
	requireOK(t, call(t, conn, "r1", "messages.list", map[string]any{"chatId": "wa:A1:alice"}), &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hi", page.Messages[0].Content)

	requireErr(t, call(t, conn, "r2", "messages.list", map[string]any{"chatId": "nonsense"}), CodeInvalidParams)
	requireErr(t, call(t, conn, "r3", "messages.list", map[string]any{"chatId": "wa:A2:x"}), CodeNotFound)
	requireErr(t, call(t, conn, "r4", "messages.list", map[string]any{}), CodeInvalidParams)
}

func TestMessagesSend(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, wsViewer)

	var res domain.SendResult
	requireOK(t, call(t, conn, "r1", "messages.send", map[string]any{
		"chatId":  "wa:A1:alice",
		"content": "look",
		"attachment": map[string]any{
			"data":     []byte("\x89PNG"),
			"fileName": "a.png",
			"mimeType": "image/png",
		},
	}), &res)
	assert.True(t, res.Success)

	sent := h.wa.SentMessages()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Request.Attachment)
	assert.Equal(t, []byte("\x89PNG"), sent[0].Request.Attachment.Data)
	assert.Equal(t, int64(4), sent[0].Request.Attachment.FileSize)

	requireErr(t, call(t, conn, "r2", "messages.send", map[string]any{"chatId": "wa:A1:alice"}), CodeInvalidParams)
	requireErr(t, call(t, conn, "r3", "messages.send", map[string]any{"chatId": "wa:A2:bob", "content": "x"}), CodeNotFound)
}

func TestMessagesSendTargetError(t *testing.T) {
	h := newHarness(t)
	h.wa.SendErr = &domain.TargetError{ChatID: "wa:A1:alice", Reason: domain.TargetPeerNotFound}
	conn := h.dial(t, wsViewer)

	f := call(t, conn, "r1", "messages.send", map[string]any{"chatId": "wa:A1:alice", "content": "x"})
	requireErr(t, f, domain.TargetPeerNotFound)
	assert.False(t, f.Error.Retryable)
}

func readEvent(t *testing.T, conn *websocket.Conn) (Frame, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		return Frame{}, false
	}
	return f, true
}

func TestBroadcastFiltersBySubscriptionAndViewer(t *testing.T) {
	h := newHarness(t)
	hub := fanout.NewHub(testLog())
	t.Cleanup(func() { hub.Close() })
	h.srv.Subscribe(hub)

	scoped := h.dial(t, wsViewer)
	statusOnly := h.dial(t, nil)
	requireOK(t, call(t, statusOnly, "s1", "events.subscribe", Subscription{
		Kinds: []domain.EventKind{domain.EventAccountStatusChanged},
	}), nil)
	requireErr(t, call(t, statusOnly, "s2", "events.subscribe", map[string]any{"kinds": []string{"bogus"}}), CodeInvalidParams)

	hub.Emit(context.Background(), fanout.NewEvent(domain.EventChatUpdated, domain.ChatUpdated{
		ChatInfo: domain.ChatInfo{ID: "wa:A2:x", AccountID: "A2", Platform: domain.PlatformWhatsApp},
	}))
	hub.Emit(context.Background(), fanout.NewEvent(domain.EventChatUpdated, domain.ChatUpdated{
		ChatInfo: domain.ChatInfo{ID: "wa:A1:x", AccountID: "A1", Platform: domain.PlatformWhatsApp},
	}))

	f, ok := readEvent(t, scoped)
	require.True(t, ok)
	assert.Equal(t, string(domain.EventChatUpdated), f.Event)
	assert.Contains(t, string(f.Payload), `"wa:A1:x"`)
	_, ok = readEvent(t, scoped)
	assert.False(t, ok, "A2 is outside the viewer's workspaces")

	_, ok = readEvent(t, statusOnly)
	assert.False(t, ok, "chat-updated is not subscribed")

	hub.Emit(context.Background(), fanout.NewEvent(domain.EventAccountStatusChanged, domain.AccountStatusChanged{
		AccountID: "A2", Status: domain.StateLoggedOut,
	}))
	f, ok = readEvent(t, statusOnly)
	require.True(t, ok)
	assert.Equal(t, string(domain.EventAccountStatusChanged), f.Event)
	assert.Greater(t, f.Seq, int64(0))
}
