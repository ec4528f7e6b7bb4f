package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/soyeahso/unibox/internal/cache"
	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/listener"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/media"
	"github.com/soyeahso/unibox/internal/metrics"
	"github.com/soyeahso/unibox/internal/retry"
	"github.com/soyeahso/unibox/internal/store"
)

// Deps are the collaborators every adapter is built from.
type Deps struct {
	Accounts   domain.AccountSource
	Store      *store.DB
	Media      *media.Pipeline
	Transcoder *media.Transcoder
	Snapshots  cache.SnapshotStore
	Listeners  *listener.Registry
	// Ready bounds the wait for a client to connect before history reads
	// give up with an empty page.
	Ready retry.Policy
	// RateLimit is upstream calls per second per account; 0 disables.
	RateLimit float64
	Burst     int
	// NameTTL bounds how long resolved display names are reused.
	NameTTL time.Duration
}

// Inbound is one platform message ready for ingestion.
type Inbound struct {
	Raw   classify.Raw
	Chat  domain.ChatInfo
	Fetch media.Fetcher
}

// Base is the plumbing shared by the platform adapters: it turns inbound
// platform messages into stored, gated provider events.
type Base struct {
	Deps
	platform domain.Platform
	gate     *Gate
	names    *cache.TTL[string, string]
	log      *logging.Logger

	mu       sync.RWMutex
	onEvent  func(domain.ProviderEvent)
	limiters map[string]*rate.Limiter
}

// NewBase wires the shared plumbing. stop is the adapter's
// StopAccountListening.
func NewBase(p domain.Platform, deps Deps, stop func(string), log *logging.Logger) *Base {
	if deps.Ready.MaxAttempts == 0 {
		deps.Ready = retry.NotReady
	}
	if deps.NameTTL <= 0 {
		deps.NameTTL = 10 * time.Minute
	}
	if deps.Snapshots == nil {
		deps.Snapshots = cache.NewMemorySnapshots()
	}
	return &Base{
		Deps:     deps,
		platform: p,
		gate:     NewGate(deps.Accounts, stop, log),
		names:    cache.NewTTL[string, string](deps.NameTTL),
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetHandler installs the event callback given to Start.
func (b *Base) SetHandler(onEvent func(domain.ProviderEvent)) {
	b.mu.Lock()
	b.onEvent = onEvent
	b.mu.Unlock()
}

func (b *Base) handler() func(domain.ProviderEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onEvent
}

// Close releases caches owned by the base.
func (b *Base) Close() { b.names.Close() }

// Limiter returns the account's upstream rate limiter.
func (b *Base) Limiter(accountID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[accountID]
	if !ok {
		limit := rate.Inf
		if b.RateLimit > 0 {
			limit = rate.Limit(b.RateLimit)
		}
		burst := b.Burst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		b.limiters[accountID] = l
	}
	return l
}

// Call runs one upstream operation under the account's rate limiter and
// records its outcome.
func (b *Base) Call(ctx context.Context, accountID, op string, fn func(context.Context) error) error {
	if err := b.Limiter(accountID).Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := fn(ctx)
	metrics.Default().ObserveUpstream(string(b.platform), op, start, err)
	if errors.Is(err, domain.ErrRateLimited) {
		metrics.Default().RateLimited.WithLabelValues(string(b.platform)).Inc()
	}
	return err
}

// Name returns a cached display name, resolving it on a miss. Failed or
// empty resolutions are not cached.
func (b *Base) Name(ctx context.Context, accountID, key string, resolve func(context.Context) (string, error)) string {
	name, hit, err := b.names.GetOrLoad(ctx, accountID+"|"+key, func(ctx context.Context) (string, error) {
		n, err := resolve(ctx)
		if err == nil && n == "" {
			err = errNoName
		}
		return n, err
	})
	metrics.Default().CacheResult("names", hit)
	if err != nil {
		return ""
	}
	return name
}

// RememberName seeds the name cache, e.g. from a push name.
func (b *Base) RememberName(accountID, key, name string) {
	if name != "" {
		b.names.Set(accountID+"|"+key, name)
	}
}

// ForgetNames drops every cached name of an account.
func (b *Base) ForgetNames(accountID string) {
	prefix := accountID + "|"
	b.names.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

var errNoName = errors.New("no display name")

// Enqueue runs job on the account's listener, preserving arrival order.
func (b *Base) Enqueue(accountID string, job func()) bool {
	return b.Listeners.Submit(accountID, job)
}

// Ingest classifies an inbound message and, if the account is active,
// schedules its media, records it and forwards it.
func (b *Base) Ingest(ctx context.Context, in Inbound) (domain.ProviderEvent, bool) {
	msg, res := classify.Message(in.Raw)
	ev := domain.ProviderEvent{Message: msg, ChatInfo: in.Chat, AccountID: in.Chat.AccountID}
	if !b.gate.Allow(ev.AccountID) {
		return ev, false
	}
	if res.Media != nil && in.Fetch != nil && b.Media != nil {
		b.Media.Ensure(*res.Media, in.Fetch)
	}
	return b.deliver(ctx, ev), true
}

// Record stores a message against its chat and forwards the event.
func (b *Base) Record(ctx context.Context, msg domain.ChatMessage, chat domain.ChatInfo) (domain.ProviderEvent, bool) {
	ev := domain.ProviderEvent{Message: msg, ChatInfo: chat, AccountID: chat.AccountID}
	if !b.gate.Allow(ev.AccountID) {
		return ev, false
	}
	return b.deliver(ctx, ev), true
}

func (b *Base) deliver(ctx context.Context, ev domain.ProviderEvent) domain.ProviderEvent {
	if b.Store != nil {
		stored, err := b.Store.RecordEvent(ctx, ev)
		if err != nil {
			b.log.Warn().Err(err).Str("account", ev.AccountID).Str("message", ev.Message.ID).Msg("failed to record message")
		} else {
			ev.ChatInfo = stored
		}
	}
	if h := b.handler(); h != nil {
		h(ev)
	}
	return ev
}

// AwaitReady polls ready under the Ready policy. It reports false when the
// client did not become ready in time.
func (b *Base) AwaitReady(ctx context.Context, ready func() bool) bool {
	out := retry.Do(ctx, b.Ready, func(context.Context) (struct{}, error) {
		if ready() {
			return struct{}{}, nil
		}
		return struct{}{}, domain.ErrNotReady
	})
	return out.OK()
}

// History serves a chat page from the local store once the client is
// ready; otherwise an empty page.
func (b *Base) History(ctx context.Context, chatID string, limit int, ready func() bool) (domain.MessagePage, error) {
	var chat *domain.ChatInfo
	if b.Store != nil {
		if c, ok, err := b.Store.GetChat(ctx, chatID); err == nil && ok {
			chat = &c
		}
	}
	if !b.AwaitReady(ctx, ready) {
		b.log.Debug().Str("chat", chatID).Msg("client not ready, returning empty page")
		return domain.EmptyPage(chat), nil
	}
	if b.Store == nil {
		return domain.EmptyPage(chat), nil
	}
	msgs, more, err := b.Store.ListMessages(ctx, chatID, limit)
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("reading history: %w", err)
	}
	return domain.MessagePage{ChatInfo: chat, Messages: msgs, HasMore: more}, nil
}

// Chats runs fetch and keeps its result as the account's snapshot. When
// upstream is rate limited the last snapshot is served instead.
func (b *Base) Chats(ctx context.Context, accountID string, fetch func(context.Context) ([]domain.ChatInfo, error)) ([]domain.ChatInfo, error) {
	chats, err := fetch(ctx)
	if err == nil {
		domain.SortChats(chats)
		if serr := b.Snapshots.Save(ctx, accountID, chats); serr != nil {
			b.log.Warn().Err(serr).Str("account", accountID).Msg("failed to save chat snapshot")
		}
		return chats, nil
	}
	if !errors.Is(err, domain.ErrRateLimited) {
		return nil, err
	}
	snap, ok, lerr := b.Snapshots.Load(ctx, accountID)
	if lerr != nil || !ok {
		return nil, err
	}
	b.log.Info().Str("account", accountID).Int("chats", len(snap)).Msg("rate limited, serving chat snapshot")
	return snap, nil
}

// SendOutcome turns a transient connectivity failure into an unsuccessful
// result. Every other error is returned unchanged.
func SendOutcome(res domain.SendResult, err error) (domain.SendResult, error) {
	if errors.Is(err, domain.ErrNotReady) {
		return domain.SendResult{Error: domain.SendNotReady}, nil
	}
	return res, err
}

// SaveOutbound persists sent media and returns its content hash.
func (b *Base) SaveOutbound(ctx context.Context, ref classify.MediaRef, data []byte) string {
	if b.Media == nil {
		return media.HashBytes(data)
	}
	asset, err := b.Media.SaveOutbound(ctx, ref, data)
	if err != nil {
		b.log.Warn().Err(err).Str("message", ref.MessageID).Msg("failed to store outbound media")
		return media.HashBytes(data)
	}
	return asset.ContentHash
}

// OutboundType resolves the message type of a send request.
func OutboundType(req domain.SendRequest) domain.MessageType {
	if req.Type != "" && req.Type != domain.TypeText {
		return req.Type
	}
	if req.Attachment == nil {
		return domain.TypeText
	}
	switch mime := classify.BaseMime(req.Attachment.MimeType); {
	case mime == "image/webp":
		return domain.TypeSticker
	case strings.HasPrefix(mime, "image/"):
		return domain.TypePhoto
	case strings.HasPrefix(mime, "video/"):
		return domain.TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return domain.TypeAudio
	}
	return domain.TypeDocument
}

// OutboundRaw describes a message the account just sent, for recording
// through the classifier like any inbound message.
func OutboundRaw(p domain.Platform, accountID, chatID, nativeID, sender string, req domain.SendRequest, t domain.MessageType, mimeType string, at time.Time) classify.Raw {
	r := classify.Raw{
		Platform:  p,
		AccountID: accountID,
		ChatID:    chatID,
		NativeID:  nativeID,
		Sender:    sender,
		Timestamp: at,
		IsOwn:     true,
		Status:    domain.StatusSent,
		Text:      req.Content,
	}
	if req.Attachment == nil {
		return r
	}
	m := &classify.Media{MimeType: mimeType, FileName: req.Attachment.FileName, Size: int64(len(req.Attachment.Data))}
	switch t {
	case domain.TypeVoice:
		r.Voice = m
	case domain.TypePhoto:
		r.Image = m
	case domain.TypeVideo:
		r.Video = m
	case domain.TypeAudio:
		r.Audio = m
	case domain.TypeSticker:
		r.Sticker = &classify.Sticker{MimeType: mimeType}
	default:
		r.Document = m
	}
	return r
}

// RecordOutbound stores a sent message, and its media when data is given,
// then emits it like an inbound event.
func (b *Base) RecordOutbound(ctx context.Context, raw classify.Raw, chat domain.ChatInfo, data []byte) domain.SendResult {
	msg, res := classify.Message(raw)
	if res.Media != nil && len(data) > 0 {
		msg.FileHash = b.SaveOutbound(ctx, *res.Media, data)
	}
	b.Record(ctx, msg, chat)
	return domain.SendResult{
		Success:   true,
		MessageID: msg.ID,
		FileHash:  msg.FileHash,
		FileName:  msg.FileName,
	}
}
