// Package telegram adapts gotd MTProto sessions to the MessageProvider
// contract, one connection per linked account.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotd/td/tg"

	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/provider"
)

// Meta keys recorded on linked accounts.
const (
	MetaUserID   = "userId"
	MetaUsername = "username"
	MetaPhone    = "phone"
)

// DefaultDialogLimit bounds one dialogs fetch.
const DefaultDialogLimit = 100

type conn struct {
	conn      Conn
	peers     *peers
	cancel    context.CancelFunc
	done      chan struct{}
	ready     atomic.Bool
	loggedOut atomic.Bool
	self      atomic.Pointer[tg.User]
}

// Provider is the Telegram MessageProvider.
type Provider struct {
	*provider.Base
	dialer      Dialer
	dialogLimit int
	log         *logging.Logger

	mu    sync.Mutex
	conns map[string]*conn
	ctx   context.Context
	stop  context.CancelFunc
}

var (
	_ domain.MessageProvider = (*Provider)(nil)
	_ domain.Linker          = (*Provider)(nil)
)

// New creates the provider. dialogLimit <= 0 uses DefaultDialogLimit.
func New(dialer Dialer, deps provider.Deps, dialogLimit int, log *logging.Logger) *Provider {
	log = log.Sub("telegram")
	if dialogLimit <= 0 {
		dialogLimit = DefaultDialogLimit
	}
	p := &Provider{
		dialer:      dialer,
		dialogLimit: dialogLimit,
		log:         log,
		conns:       make(map[string]*conn),
	}
	p.ctx, p.stop = context.WithCancel(context.Background())
	p.Base = provider.NewBase(platform, deps, p.StopAccountListening, log)
	return p
}

func (p *Provider) Platform() domain.Platform { return platform }

// Start connects every account with a stored session and attaches listeners
// to the active ones.
func (p *Provider) Start(ctx context.Context, onEvent func(domain.ProviderEvent)) error {
	p.SetHandler(onEvent)
	accts := p.Accounts.List(platform)
	for _, acct := range accts {
		if _, err := p.connect(acct); err != nil {
			p.log.Warn().Err(err).Str("account", acct.ID).Msg("account not connected at startup")
			continue
		}
		if acct.Active {
			if err := p.StartAccountListening(ctx, acct.ID); err != nil {
				p.log.Warn().Err(err).Str("account", acct.ID).Msg("listener not started")
			}
		}
	}
	p.log.Info().Int("accounts", len(accts)).Msg("telegram provider started")
	return nil
}

// Stop tears down every connection and waits for them to close. The
// provider cannot be restarted afterwards.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	p.stop()
	for id, c := range conns {
		p.Listeners.Stop(id)
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// connect starts the account's connection loop if it is not running.
func (p *Provider) connect(acct domain.Account) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[acct.ID]; ok {
		select {
		case <-c.done:
		default:
			return c, nil
		}
	}

	c := &conn{peers: newPeers(), done: make(chan struct{})}
	dispatcher := tg.NewUpdateDispatcher()
	p.route(acct.ID, c, &dispatcher)

	mt, err := p.dialer.Dial(acct, dispatcher)
	if err != nil {
		return nil, err
	}
	c.conn = mt

	ctx, cancel := context.WithCancel(p.ctx)
	c.cancel = cancel
	p.conns[acct.ID] = c

	go func() {
		defer close(c.done)
		err := mt.Run(ctx, func(self *tg.User) {
			c.self.Store(self)
			c.peers.add([]tg.UserClass{self}, nil)
			c.loggedOut.Store(false)
			c.ready.Store(true)
			p.log.Info().Str("account", acct.ID).Int64("user", self.ID).Msg("connected")
		})
		c.ready.Store(false)
		switch {
		case errors.Is(err, ErrUnauthorized) || isAuthError(err):
			c.loggedOut.Store(true)
			p.log.Warn().Err(err).Str("account", acct.ID).Msg("session no longer authorized")
		case err != nil && ctx.Err() == nil:
			p.log.Warn().Err(err).Str("account", acct.ID).Msg("connection closed")
		}
	}()
	return c, nil
}

func (p *Provider) live(accountID string) (*conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[accountID]
	return c, ok
}

// route wires update callbacks to the account's listener queue.
func (p *Provider) route(accountID string, c *conn, d *tg.UpdateDispatcher) {
	onMessage := func(e tg.Entities, m tg.MessageClass) {
		c.peers.addEntities(e)
		p.Enqueue(accountID, func() { p.handleMessage(accountID, c, m) })
	}
	d.OnNewMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		onMessage(e, u.Message)
		return nil
	})
	d.OnNewChannelMessage(func(_ context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		onMessage(e, u.Message)
		return nil
	})
	d.OnReadHistoryOutbox(func(_ context.Context, e tg.Entities, u *tg.UpdateReadHistoryOutbox) error {
		c.peers.addEntities(e)
		p.Enqueue(accountID, func() { p.handleReadOutbox(accountID, u.Peer, u.MaxID) })
		return nil
	})
}

func (p *Provider) handleMessage(accountID string, c *conn, m tg.MessageClass) {
	cv, ok := c.peers.convert(accountID, m)
	if !ok {
		return
	}
	p.fixOwnSender(c, &cv.raw)
	in := provider.Inbound{Raw: cv.raw, Chat: c.peers.chatInfo(accountID, cv.peer)}
	if cv.loc != nil {
		loc := cv.loc
		in.Fetch = func(ctx context.Context) ([]byte, error) { return c.conn.Download(ctx, loc) }
	}
	p.Ingest(p.ctx, in)
}

// fixOwnSender attributes outgoing messages without an author to the
// account's own user.
func (p *Provider) fixOwnSender(c *conn, raw *classify.Raw) {
	if !raw.IsOwn {
		return
	}
	if self := c.self.Load(); self != nil {
		raw.Sender = strconv.FormatInt(self.ID, 10)
		raw.SenderName = userName(self)
	}
}

// handleReadOutbox marks own messages up to maxID as read.
func (p *Provider) handleReadOutbox(accountID string, peer tg.PeerClass, maxID int) {
	chatID := domain.CanonicalID(platform, accountID, nativePeer(peer))
	msgs, _, err := p.Store.ListMessages(p.ctx, chatID, 100)
	if err != nil {
		return
	}
	prefix := domain.CanonicalID(platform, accountID, nativePeer(peer)+"_")
	for _, m := range msgs {
		if !m.IsOwn || m.Status == domain.StatusRead {
			continue
		}
		rest, ok := strings.CutPrefix(m.ID, prefix)
		if !ok {
			continue
		}
		id, err := strconv.Atoi(rest)
		if err != nil || id > maxID {
			continue
		}
		if err := p.Store.UpdateMessageStatus(p.ctx, m.ID, domain.StatusRead); err != nil {
			p.log.Debug().Err(err).Str("message", m.ID).Msg("failed to update status")
		}
	}
}

// StartAccountListening attaches the account's listener. Idempotent.
func (p *Provider) StartAccountListening(_ context.Context, accountID string) error {
	if p.Listeners.Running(accountID) {
		return nil
	}
	acct, ok := p.Accounts.Get(accountID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountID)
	}
	if _, err := p.connect(acct); err != nil {
		return err
	}
	if p.Listeners.Start(accountID, nil) {
		p.log.Info().Str("account", accountID).Msg("listening")
	}
	return nil
}

// StopAccountListening detaches the listener; updates for the account are
// dropped until it restarts. The connection stays up.
func (p *Provider) StopAccountListening(accountID string) {
	p.Listeners.Stop(accountID)
}

func (p *Provider) IsListening(accountID string) bool {
	return p.Listeners.Running(accountID)
}

func (p *Provider) ConnectionState(accountID string) domain.ConnState {
	c, ok := p.live(accountID)
	if !ok {
		return domain.StateUnlinked
	}
	switch {
	case c.loggedOut.Load():
		return domain.StateLoggedOut
	case c.ready.Load():
		return domain.StateConnected
	}
	return domain.StateDisconnected
}

func (p *Provider) ready(accountID string) func() bool {
	return func() bool { return p.ConnectionState(accountID) == domain.StateConnected }
}

// resolve returns the account connection and the addressable peer of a
// chat id, refreshing dialogs once when the peer is not cached.
func (p *Provider) resolve(ctx context.Context, chatID string) (*conn, string, tg.InputPeerClass, error) {
	pl, acct, native, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		return nil, "", nil, err
	}
	if pl != platform {
		return nil, "", nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, pl)
	}
	if _, ok := parsePeer(native); !ok {
		return nil, "", nil, &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerNotFound}
	}
	c, ok := p.live(acct)
	if !ok {
		return nil, acct, nil, domain.ErrNotReady
	}
	if peer, ok := c.peers.inputPeer(native); ok {
		return c, acct, peer, nil
	}
	if _, err := p.dialogs(ctx, acct, c); err != nil {
		return nil, acct, nil, err
	}
	if peer, ok := c.peers.inputPeer(native); ok {
		return c, acct, peer, nil
	}
	return nil, acct, nil, &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerNotFound}
}

func (p *Provider) notReadyPage(ctx context.Context, chatID string) domain.MessagePage {
	p.log.Debug().Str("chat", chatID).Msg("client not ready, returning empty page")
	if chat, ok, err := p.Store.GetChat(ctx, chatID); err == nil && ok {
		return domain.EmptyPage(&chat)
	}
	return domain.EmptyPage(nil)
}

// GetMessages fetches history upstream and caches it. When upstream is
// rate limited the cached history is served instead.
func (p *Provider) GetMessages(ctx context.Context, chatID string, limit int) (domain.MessagePage, error) {
	_, acct, _, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		return domain.MessagePage{}, err
	}
	if !p.AwaitReady(ctx, p.ready(acct)) {
		return p.notReadyPage(ctx, chatID), nil
	}
	if limit <= 0 {
		limit = 50
	}

	var res tg.MessagesMessagesClass
	c, _, peer, err := p.resolve(ctx, chatID)
	if err == nil {
		err = p.Call(ctx, acct, "history", func(ctx context.Context) error {
			var err error
			res, err = c.conn.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: limit})
			return mapError(chatID, err)
		})
	}
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		p.log.Info().Str("chat", chatID).Msg("rate limited, serving cached history")
		return p.History(ctx, chatID, limit, func() bool { return true })
	case errors.Is(err, domain.ErrNotReady):
		return p.notReadyPage(ctx, chatID), nil
	case err != nil:
		return domain.MessagePage{}, err
	}

	var (
		raw   []tg.MessageClass
		total int
	)
	switch r := res.(type) {
	case *tg.MessagesMessages:
		c.peers.add(r.Users, r.Chats)
		raw, total = r.Messages, len(r.Messages)
	case *tg.MessagesMessagesSlice:
		c.peers.add(r.Users, r.Chats)
		raw, total = r.Messages, r.Count
	case *tg.MessagesChannelMessages:
		c.peers.add(r.Users, r.Chats)
		raw, total = r.Messages, r.Count
	}

	msgs := make([]domain.ChatMessage, 0, len(raw))
	for _, m := range raw {
		cv, ok := c.peers.convert(acct, m)
		if !ok {
			continue
		}
		p.fixOwnSender(c, &cv.raw)
		msg, cres := classify.Message(cv.raw)
		if cres.Media != nil && cv.loc != nil && p.Media != nil {
			loc := cv.loc
			p.Media.Ensure(*cres.Media, func(ctx context.Context) ([]byte, error) { return c.conn.Download(ctx, loc) })
		}
		msgs = append(msgs, msg)
	}
	slices.SortStableFunc(msgs, func(a, b domain.ChatMessage) int { return a.Timestamp.Compare(b.Timestamp) })
	if err := p.Store.SaveMessages(ctx, acct, msgs); err != nil {
		p.log.Warn().Err(err).Str("chat", chatID).Msg("failed to cache history")
	}

	page := domain.MessagePage{Messages: msgs, HasMore: total > len(raw)}
	if chat, ok, err := p.Store.GetChat(ctx, chatID); err == nil && ok {
		page.ChatInfo = &chat
	} else {
		_, _, native, _ := domain.ParseCanonicalID(chatID)
		peerRef, _ := parsePeer(native)
		chat := c.peers.chatInfo(acct, peerRef)
		page.ChatInfo = &chat
	}
	return page, nil
}

// GetChats lists dialogs, falling back to the last snapshot when rate
// limited.
func (p *Provider) GetChats(ctx context.Context, accountID string) ([]domain.ChatInfo, error) {
	if _, ok := p.Accounts.Get(accountID); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountID)
	}
	return p.Chats(ctx, accountID, func(ctx context.Context) ([]domain.ChatInfo, error) {
		c, ok := p.live(accountID)
		if !ok || !c.ready.Load() {
			return p.Store.ListChats(ctx, accountID)
		}
		return p.dialogs(ctx, accountID, c)
	})
}

// dialogs fetches the account's dialog list and refreshes the chat cache.
func (p *Provider) dialogs(ctx context.Context, accountID string, c *conn) ([]domain.ChatInfo, error) {
	var res tg.MessagesDialogsClass
	err := p.Call(ctx, accountID, "dialogs", func(ctx context.Context) error {
		var err error
		res, err = c.conn.API().MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetPeer: &tg.InputPeerEmpty{},
			Limit:      p.dialogLimit,
		})
		return mapError("", err)
	})
	if err != nil {
		return nil, err
	}

	var (
		dialogs  []tg.DialogClass
		messages []tg.MessageClass
	)
	switch r := res.(type) {
	case *tg.MessagesDialogs:
		c.peers.add(r.Users, r.Chats)
		dialogs, messages = r.Dialogs, r.Messages
	case *tg.MessagesDialogsSlice:
		c.peers.add(r.Users, r.Chats)
		dialogs, messages = r.Dialogs, r.Messages
	case *tg.MessagesDialogsNotModified:
		return p.Store.ListChats(ctx, accountID)
	}

	top := make(map[string]tg.MessageClass, len(messages))
	for _, m := range messages {
		if msg, ok := m.(interface {
			GetID() int
			GetPeerID() tg.PeerClass
		}); ok {
			top[nativeMessageID(msg.GetPeerID(), msg.GetID())] = m
		}
	}

	chats := make([]domain.ChatInfo, 0, len(dialogs))
	for _, d := range dialogs {
		dlg, ok := d.(*tg.Dialog)
		if !ok {
			continue
		}
		chat := c.peers.chatInfo(accountID, dlg.Peer)
		chat.UnreadCount = dlg.UnreadCount
		if m, ok := top[nativeMessageID(dlg.Peer, dlg.TopMessage)]; ok {
			if cv, ok := c.peers.convert(accountID, m); ok {
				msg, _ := classify.Message(cv.raw)
				chat.LastMessage = msg.Preview()
				chat.LastMessageTime = msg.Timestamp
			}
		}
		if err := p.Store.UpsertChat(ctx, chat); err != nil {
			p.log.Debug().Err(err).Str("chat", chat.ID).Msg("failed to cache chat")
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// Logout revokes the session upstream and deletes it locally.
func (p *Provider) Logout(ctx context.Context, accountID string) error {
	p.Listeners.Stop(accountID)

	p.mu.Lock()
	c, ok := p.conns[accountID]
	delete(p.conns, accountID)
	p.mu.Unlock()

	p.ForgetNames(accountID)
	if ok {
		if c.ready.Load() {
			if _, err := c.conn.API().AuthLogOut(ctx); err != nil && !isAuthError(err) {
				p.log.Warn().Err(err).Str("account", accountID).Msg("upstream logout failed")
			}
		}
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
	}
	if err := p.dialer.Forget(accountID); err != nil {
		return fmt.Errorf("removing telegram session %s: %w", accountID, err)
	}
	p.log.Info().Str("account", accountID).Msg("session removed")
	return nil
}

// Link runs the QR login flow and records the logged-in user on the
// account.
func (p *Provider) Link(ctx context.Context, acct domain.Account, prompts domain.LinkPrompts) (domain.Account, error) {
	self, err := p.dialer.Login(ctx, acct, prompts)
	if err != nil {
		return acct, err
	}
	if acct.Meta == nil {
		acct.Meta = map[string]any{}
	}
	acct.Platform = platform
	acct.Meta[MetaUserID] = strconv.FormatInt(self.ID, 10)
	if self.Username != "" {
		acct.Meta[MetaUsername] = self.Username
	}
	if self.Phone != "" {
		acct.Meta[MetaPhone] = self.Phone
	}
	if acct.Label == "" {
		acct.Label = userName(self)
	}
	p.log.Info().Str("account", acct.ID).Int64("user", self.ID).Msg("account linked")
	return acct, nil
}
