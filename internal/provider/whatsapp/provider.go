// Package whatsapp adapts whatsmeow multi-device clients to the
// MessageProvider contract, one client per linked account.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/provider"
)

type conn struct {
	client    Client
	stateID   uint32
	loggedOut atomic.Bool
}

// Provider is the WhatsApp MessageProvider.
type Provider struct {
	*provider.Base
	devices Devices
	log     *logging.Logger

	mu    sync.Mutex
	conns map[string]*conn
	// ctx scopes background work started by listeners; canceled on Stop.
	ctx    context.Context
	cancel context.CancelFunc
}

var _ domain.MessageProvider = (*Provider)(nil)

// New creates the provider. Nothing connects until Start.
func New(devices Devices, deps provider.Deps, log *logging.Logger) *Provider {
	log = log.Sub("whatsapp")
	p := &Provider{
		devices: devices,
		log:     log,
		conns:   make(map[string]*conn),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.Base = provider.NewBase(platform, deps, p.StopAccountListening, log)
	return p
}

func (p *Provider) Platform() domain.Platform { return platform }

// Start connects every paired account and attaches listeners to the active
// ones. Accounts that fail to connect are left to the reconcile loop.
func (p *Provider) Start(ctx context.Context, onEvent func(domain.ProviderEvent)) error {
	p.SetHandler(onEvent)

	var g errgroup.Group
	for _, acct := range p.Accounts.List(platform) {
		g.Go(func() error {
			if _, err := p.connect(ctx, acct); err != nil {
				p.log.Warn().Err(err).Str("account", acct.ID).Msg("account not connected at startup")
				return nil
			}
			if acct.Active {
				if err := p.StartAccountListening(ctx, acct.ID); err != nil {
					p.log.Warn().Err(err).Str("account", acct.ID).Msg("listener not started")
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	p.log.Info().Int("accounts", len(p.Accounts.List(platform))).Msg("whatsapp provider started")
	return nil
}

// Stop detaches every listener and disconnects every client. The provider
// cannot be restarted afterwards.
func (p *Provider) Stop(context.Context) error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*conn)
	p.mu.Unlock()

	for id, c := range conns {
		p.Listeners.Stop(id)
		c.client.RemoveEventHandler(c.stateID)
		c.client.Disconnect()
	}
	p.cancel()
	return nil
}

// connect returns the account's live client, opening and connecting it on
// first use.
func (p *Provider) connect(ctx context.Context, acct domain.Account) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[acct.ID]; ok {
		if !c.client.IsConnected() {
			if err := c.client.Connect(); err != nil {
				return c, fmt.Errorf("reconnecting %s: %w", acct.ID, err)
			}
		}
		return c, nil
	}

	client, err := p.devices.Open(ctx, acct)
	if err != nil {
		return nil, err
	}
	c := &conn{client: client}
	c.stateID = client.AddEventHandler(func(evt any) { p.trackState(acct.ID, c, evt) })
	p.conns[acct.ID] = c

	if err := client.Connect(); err != nil {
		return c, fmt.Errorf("connecting %s: %w", acct.ID, err)
	}
	return c, nil
}

func (p *Provider) live(accountID string) (*conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[accountID]
	return c, ok
}

func (p *Provider) trackState(accountID string, c *conn, evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		c.loggedOut.Store(false)
		p.log.Info().Str("account", accountID).Msg("connected")
	case *events.Disconnected:
		p.log.Info().Str("account", accountID).Msg("disconnected")
	case *events.LoggedOut:
		c.loggedOut.Store(true)
		p.log.Warn().Str("account", accountID).Str("reason", v.Reason.String()).Msg("logged out from phone")
	case *events.StreamReplaced:
		p.log.Warn().Str("account", accountID).Msg("stream replaced by another client")
	case *events.PushName:
		p.RememberName(accountID, v.JID.ToNonAD().String(), v.NewPushName)
	}
}

// StartAccountListening attaches the account's event listener. Idempotent.
func (p *Provider) StartAccountListening(ctx context.Context, accountID string) error {
	if p.Listeners.Running(accountID) {
		return nil
	}
	acct, ok := p.Accounts.Get(accountID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountID)
	}
	c, err := p.connect(ctx, acct)
	if err != nil {
		return err
	}

	id := c.client.AddEventHandler(func(evt any) { p.dispatch(accountID, c.client, evt) })
	if !p.Listeners.Start(accountID, func() { c.client.RemoveEventHandler(id) }) {
		c.client.RemoveEventHandler(id)
		return nil
	}
	p.log.Info().Str("account", accountID).Msg("listening")
	return nil
}

// StopAccountListening detaches the listener; the client stays connected.
func (p *Provider) StopAccountListening(accountID string) {
	p.Listeners.Stop(accountID)
}

func (p *Provider) IsListening(accountID string) bool {
	return p.Listeners.Running(accountID)
}

func (p *Provider) ConnectionState(accountID string) domain.ConnState {
	c, ok := p.live(accountID)
	if !ok {
		acct, known := p.Accounts.Get(accountID)
		if !known {
			return domain.StateUnlinked
		}
		if _, paired := AccountJID(acct); !paired {
			return domain.StateUnlinked
		}
		return domain.StateDisconnected
	}
	switch {
	case c.loggedOut.Load():
		return domain.StateLoggedOut
	case !c.client.IsConnected():
		return domain.StateDisconnected
	case !c.client.IsLoggedIn():
		return domain.StateUnlinked
	}
	return domain.StateConnected
}

func (p *Provider) ready(accountID string) func() bool {
	return func() bool { return p.ConnectionState(accountID) == domain.StateConnected }
}

// GetMessages serves history from the local cache. WhatsApp has no history
// API; the cache is fed by live events and history sync.
func (p *Provider) GetMessages(ctx context.Context, chatID string, limit int) (domain.MessagePage, error) {
	_, acct, _, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		return domain.MessagePage{}, err
	}
	return p.History(ctx, chatID, limit, p.ready(acct))
}

// GetChats lists cached chats, resolving missing group names upstream.
func (p *Provider) GetChats(ctx context.Context, accountID string) ([]domain.ChatInfo, error) {
	if _, ok := p.Accounts.Get(accountID); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAccount, accountID)
	}
	return p.Chats(ctx, accountID, func(ctx context.Context) ([]domain.ChatInfo, error) {
		chats, err := p.Store.ListChats(ctx, accountID)
		if err != nil {
			return nil, err
		}
		c, ok := p.live(accountID)
		if !ok || !c.client.IsConnected() {
			return chats, nil
		}
		for i, chat := range chats {
			if chat.Name != "" || (chat.Type != domain.ChatGroup && chat.Type != domain.ChatChannel) {
				continue
			}
			_, _, native, _ := domain.ParseCanonicalID(chat.ID)
			jid, err := types.ParseJID(native)
			if err != nil {
				continue
			}
			var info *types.GroupInfo
			err = p.Call(ctx, accountID, "group_info", func(ctx context.Context) error {
				var err error
				info, err = c.client.GroupInfo(ctx, jid)
				return mapError(chat.ID, err)
			})
			if err != nil {
				if errors.Is(err, domain.ErrRateLimited) {
					return nil, err
				}
				continue
			}
			chats[i].Name = info.Name
			n := len(info.Participants)
			chats[i].MemberCount = &n
			if err := p.Store.UpsertChat(ctx, chats[i]); err != nil {
				p.log.Debug().Err(err).Str("chat", chat.ID).Msg("failed to cache group name")
			}
		}
		return chats, nil
	})
}

// Logout unlinks the device and deletes its credentials.
func (p *Provider) Logout(ctx context.Context, accountID string) error {
	p.Listeners.Stop(accountID)

	p.mu.Lock()
	c, ok := p.conns[accountID]
	delete(p.conns, accountID)
	p.mu.Unlock()

	p.ForgetNames(accountID)
	if !ok {
		acct, known := p.Accounts.Get(accountID)
		if !known {
			return nil
		}
		client, err := p.devices.Open(ctx, acct)
		if errors.Is(err, ErrNotPaired) {
			return nil
		}
		if err != nil {
			return err
		}
		c = &conn{client: client}
	}
	defer c.client.Disconnect()
	c.client.RemoveEventHandler(c.stateID)

	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("logging out %s: %w", accountID, err)
	}
	p.log.Info().Str("account", accountID).Msg("device unlinked")
	return nil
}

// dispatch queues an event on the account's listener.
func (p *Provider) dispatch(accountID string, client Client, evt any) {
	var job func()
	switch v := evt.(type) {
	case *events.Message:
		job = func() { p.handleMessage(accountID, client, v) }
	case *events.HistorySync:
		job = func() { p.handleHistory(accountID, client, v) }
	case *events.GroupInfo:
		job = func() { p.handleGroupInfo(accountID, client, v) }
	case *events.Picture:
		if v.JID.Server != types.GroupServer {
			return
		}
		job = func() { p.handlePicture(accountID, client, v) }
	case *events.Receipt:
		job = func() { p.handleReceipt(accountID, v) }
	default:
		return
	}
	p.Enqueue(accountID, job)
}

// displayName resolves a JID to a human name through the name cache.
func (p *Provider) displayName(accountID string, client Client) namer {
	return func(jid types.JID) string {
		if jid.IsEmpty() {
			return ""
		}
		return p.Name(p.ctx, accountID, jid.String(), func(ctx context.Context) (string, error) {
			return client.ContactName(ctx, jid)
		})
	}
}

func (p *Provider) chatName(accountID string, client Client, jid types.JID, pushName string, fromMe bool) string {
	switch chatType(jid) {
	case domain.ChatGroup:
		return p.Name(p.ctx, accountID, jid.String(), func(ctx context.Context) (string, error) {
			var name string
			err := p.Call(ctx, accountID, "group_info", func(ctx context.Context) error {
				info, err := client.GroupInfo(ctx, jid)
				if err != nil {
					return mapError("", err)
				}
				name = info.Name
				return nil
			})
			return name, err
		})
	case domain.ChatPrivate:
		if !fromMe {
			p.RememberName(accountID, jid.String(), pushName)
		}
		return p.displayName(accountID, client)(jid)
	}
	return ""
}

func (p *Provider) handleMessage(accountID string, client Client, v *events.Message) {
	raw, dl := toRaw(accountID, v)
	if raw.SenderName == "" && !raw.IsOwn {
		raw.SenderName = p.displayName(accountID, client)(v.Info.Sender.ToNonAD())
	}
	chat := chatInfo(accountID, v.Info.Chat, p.chatName(accountID, client, v.Info.Chat.ToNonAD(), v.Info.PushName, v.Info.IsFromMe))

	in := provider.Inbound{Raw: raw, Chat: chat}
	if dl != nil {
		in.Fetch = func(ctx context.Context) ([]byte, error) { return client.Download(ctx, dl) }
	}
	p.Ingest(p.ctx, in)
}

// handleHistory stores synced conversations without emitting events.
func (p *Provider) handleHistory(accountID string, client Client, v *events.HistorySync) {
	if v.Data == nil {
		return
	}
	if _, ok := p.Accounts.Get(accountID); !ok {
		return
	}
	ctx := p.ctx
	stored := 0
	for _, conv := range v.Data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil {
			continue
		}
		chat := chatInfo(accountID, jid, conv.GetName())
		var msgs []domain.ChatMessage
		for _, hm := range conv.GetMessages() {
			evt, err := client.ParseWebMessage(jid, hm.GetMessage())
			if err != nil {
				continue
			}
			raw, dl := toRaw(accountID, evt)
			msg, res := classify.Message(raw)
			if res.Media != nil && dl != nil && p.Media != nil {
				p.Media.Ensure(*res.Media, func(ctx context.Context) ([]byte, error) { return client.Download(ctx, dl) })
			}
			msgs = append(msgs, msg)
			if !msg.Timestamp.Before(chat.LastMessageTime) {
				chat.LastMessage = msg.Preview()
				chat.LastMessageTime = msg.Timestamp
			}
		}
		chat.UnreadCount = int(conv.GetUnreadCount())
		if err := p.Store.SaveMessages(ctx, accountID, msgs); err != nil {
			p.log.Warn().Err(err).Str("chat", chat.ID).Msg("failed to store history")
			continue
		}
		if err := p.Store.UpsertChat(ctx, chat); err != nil {
			p.log.Warn().Err(err).Str("chat", chat.ID).Msg("failed to store chat")
		}
		stored += len(msgs)
	}
	p.log.Info().Str("account", accountID).Int("messages", stored).Msg("history sync stored")
}

func (p *Provider) systemMessage(accountID string, client Client, group types.JID, ev systemEvent, sender *types.JID) {
	chat := chatInfo(accountID, group, p.chatName(accountID, client, group, "", false))
	raw := classify.Raw{
		Platform:  platform,
		AccountID: accountID,
		ChatID:    chat.ID,
		NativeID:  ev.nativeID,
		RawType:   "groupInfo",
		Action:    &ev.action,
	}
	if sender != nil {
		raw.Sender = sender.ToNonAD().String()
		raw.SenderName = ev.action.Actor
	}
	p.Ingest(p.ctx, provider.Inbound{Raw: raw, Chat: chat})
}

func (p *Provider) handleGroupInfo(accountID string, client Client, v *events.GroupInfo) {
	if v.Name != nil {
		p.RememberName(accountID, v.JID.String(), v.Name.Name)
	}
	for _, ev := range groupActions(v, p.displayName(accountID, client)) {
		ev.nativeID = fmt.Sprintf("%s-%s", ev.nativeID, v.JID.User)
		p.systemMessage(accountID, client, v.JID, ev, v.Sender)
	}
}

func (p *Provider) handlePicture(accountID string, client Client, v *events.Picture) {
	ev := pictureAction(v, p.displayName(accountID, client))
	author := v.Author
	p.systemMessage(accountID, client, v.JID, ev, &author)
}

func (p *Provider) handleReceipt(accountID string, v *events.Receipt) {
	if v.IsFromMe {
		return
	}
	var status domain.MessageStatus
	switch v.Type {
	case types.ReceiptTypeDelivered:
		status = domain.StatusDelivered
	case types.ReceiptTypeRead, types.ReceiptTypePlayed:
		status = domain.StatusRead
	default:
		return
	}
	for _, id := range v.MessageIDs {
		msgID := domain.CanonicalID(platform, accountID, string(id))
		if err := p.Store.UpdateMessageStatus(p.ctx, msgID, status); err != nil {
			p.log.Debug().Err(err).Str("message", msgID).Msg("failed to update status")
		}
	}
}

var _ domain.Linker = (*Provider)(nil)

// Link pairs a new device by QR code. The returned account records the
// device JID.
func (p *Provider) Link(ctx context.Context, acct domain.Account, prompts domain.LinkPrompts) (domain.Account, error) {
	onCode := prompts.OnCode
	if onCode == nil {
		onCode = func(string) {}
	}
	jid, err := p.devices.Pair(ctx, onCode)
	if err != nil {
		return acct, err
	}
	if acct.Meta == nil {
		acct.Meta = map[string]any{}
	}
	acct.Meta[MetaJID] = jid.String()
	acct.Platform = platform
	if acct.Label == "" {
		acct.Label = "+" + jid.User
	}
	p.log.Info().Str("account", acct.ID).Str("jid", jid.String()).Msg("device linked")
	return acct, nil
}
