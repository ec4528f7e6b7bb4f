package provider

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/media"
	"github.com/soyeahso/unibox/internal/provider/providertest"
	"github.com/soyeahso/unibox/internal/retry"
	"github.com/soyeahso/unibox/internal/store"
)

var fastReady = retry.Policy{MaxAttempts: 2, Interval: time.Millisecond}

func newBase(t *testing.T, accts ...domain.Account) (*Base, *[]string) {
	t.Helper()
	db, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var stopped []string
	b := NewBase(domain.PlatformTelegram, Deps{
		Accounts: providertest.NewAccounts(accts...),
		Store:    db,
		Ready:    fastReady,
	}, func(id string) { stopped = append(stopped, id) }, testLogger())
	t.Cleanup(b.Close)
	return b, &stopped
}

func inbound(acct, native string, ts time.Time) Inbound {
	chatID := domain.CanonicalID(domain.PlatformTelegram, acct, "100")
	return Inbound{
		Raw: classify.Raw{
			Platform:  domain.PlatformTelegram,
			AccountID: acct,
			ChatID:    chatID,
			NativeID:  native,
			Sender:    "7",
			Timestamp: ts,
			Text:      "hi " + native,
		},
		Chat: domain.ChatInfo{
			ID:        chatID,
			Platform:  domain.PlatformTelegram,
			AccountID: acct,
			GroupID:   domain.PeerGroupID(domain.PlatformTelegram, "100"),
			Name:      "Alice",
			Type:      domain.ChatPrivate,
		},
	}
}

func TestBaseIngestRecordsAndForwards(t *testing.T) {
	b, _ := newBase(t, domain.Account{ID: "A1", Active: true})
	var got []domain.ProviderEvent
	b.SetHandler(func(ev domain.ProviderEvent) { got = append(got, ev) })

	now := time.Unix(1_700_000_000, 0)
	ev, ok := b.Ingest(context.Background(), inbound("A1", "1", now))
	require.True(t, ok)
	assert.Equal(t, "tg:A1:1", ev.Message.ID)
	assert.Equal(t, 1, ev.ChatInfo.UnreadCount)
	assert.Equal(t, "hi 1", ev.ChatInfo.LastMessage)
	require.Len(t, got, 1)

	page, err := b.History(context.Background(), "tg:A1:100", 10, func() bool { return true })
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.NotNil(t, page.ChatInfo)
	assert.Equal(t, "Alice", page.ChatInfo.Name)
}

func TestBaseIngestDropsInactiveAccount(t *testing.T) {
	b, stopped := newBase(t, domain.Account{ID: "A1", Active: false})
	called := false
	b.SetHandler(func(domain.ProviderEvent) { called = true })

	_, ok := b.Ingest(context.Background(), inbound("A1", "1", time.Now()))
	assert.False(t, ok)
	assert.False(t, called)
	assert.Equal(t, []string{"A1"}, *stopped)

	chats, err := b.Store.ListChats(context.Background(), "A1")
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestBaseIngestSkipsMediaForInactiveAccount(t *testing.T) {
	b, _ := newBase(t, domain.Account{ID: "on", Active: true}, domain.Account{ID: "off", Active: false})
	files, err := media.NewStore(filepath.Join(t.TempDir(), "media"))
	require.NoError(t, err)
	b.Media = media.NewPipeline(files, media.NewIndex(nil, testLogger()), media.Options{}, testLogger())
	t.Cleanup(b.Media.Close)

	var fetches atomic.Int32
	withPhoto := func(acct string) Inbound {
		in := inbound(acct, "1", time.Now())
		in.Raw.Text = ""
		in.Raw.Image = &classify.Media{MimeType: "image/jpeg"}
		in.Fetch = func(context.Context) ([]byte, error) {
			fetches.Add(1)
			return []byte("jpeg"), nil
		}
		return in
	}

	_, ok := b.Ingest(context.Background(), withPhoto("off"))
	assert.False(t, ok)
	b.Media.Wait()
	assert.Zero(t, fetches.Load())

	_, ok = b.Ingest(context.Background(), withPhoto("on"))
	assert.True(t, ok)
	b.Media.Wait()
	assert.Equal(t, int32(1), fetches.Load())
}

func TestBaseHistoryNotReadyReturnsEmptyPage(t *testing.T) {
	b, _ := newBase(t, domain.Account{ID: "A1", Active: true})
	page, err := b.History(context.Background(), "tg:A1:100", 10, func() bool { return false })
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestBaseChatsFallsBackToSnapshotWhenRateLimited(t *testing.T) {
	b, _ := newBase(t)
	ctx := context.Background()
	now := time.Now()

	first, err := b.Chats(ctx, "A1", func(context.Context) ([]domain.ChatInfo, error) {
		return []domain.ChatInfo{
			{ID: "old", LastMessageTime: now.Add(-time.Hour)},
			{ID: "new", LastMessageTime: now},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", first[0].ID)

	limited := &domain.RateLimitError{RetryAfterSeconds: 30}
	snap, err := b.Chats(ctx, "A1", func(context.Context) ([]domain.ChatInfo, error) { return nil, limited })
	require.NoError(t, err)
	assert.Equal(t, first, snap)

	_, err = b.Chats(ctx, "B2", func(context.Context) ([]domain.ChatInfo, error) { return nil, limited })
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	boom := errors.New("boom")
	_, err = b.Chats(ctx, "A1", func(context.Context) ([]domain.ChatInfo, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestBaseNameCache(t *testing.T) {
	b, _ := newBase(t)
	ctx := context.Background()
	calls := 0
	resolve := func(context.Context) (string, error) {
		calls++
		return "Bob", nil
	}
	assert.Equal(t, "Bob", b.Name(ctx, "A1", "42", resolve))
	assert.Equal(t, "Bob", b.Name(ctx, "A1", "42", resolve))
	assert.Equal(t, 1, calls)

	b.ForgetNames("A1")
	assert.Equal(t, "Bob", b.Name(ctx, "A1", "42", resolve))
	assert.Equal(t, 2, calls)

	assert.Empty(t, b.Name(ctx, "A1", "43", func(context.Context) (string, error) { return "", nil }))

	b.RememberName("A1", "44", "Carol")
	assert.Equal(t, "Carol", b.Name(ctx, "A1", "44", resolve))
}

func TestBaseLimiterPerAccount(t *testing.T) {
	b, _ := newBase(t)
	assert.Same(t, b.Limiter("A1"), b.Limiter("A1"))
	assert.NotSame(t, b.Limiter("A1"), b.Limiter("B2"))

	err := b.Call(context.Background(), "A1", "test", func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestOutboundType(t *testing.T) {
	tests := []struct {
		req  domain.SendRequest
		want domain.MessageType
	}{
		{domain.SendRequest{Content: "hi"}, domain.TypeText},
		{domain.SendRequest{Type: domain.TypeVoice, Attachment: &domain.Attachment{MimeType: "audio/webm"}}, domain.TypeVoice},
		{domain.SendRequest{Attachment: &domain.Attachment{MimeType: "image/png"}}, domain.TypePhoto},
		{domain.SendRequest{Attachment: &domain.Attachment{MimeType: "video/mp4; codecs=avc1"}}, domain.TypeVideo},
		{domain.SendRequest{Attachment: &domain.Attachment{MimeType: "audio/mpeg"}}, domain.TypeAudio},
		{domain.SendRequest{Attachment: &domain.Attachment{MimeType: "application/pdf"}}, domain.TypeDocument},
		{domain.SendRequest{Attachment: &domain.Attachment{MimeType: "image/webp"}}, domain.TypeSticker},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutboundType(tt.req))
	}
}
