package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/cache"
	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/listener"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/provider"
	"github.com/soyeahso/unibox/internal/provider/providertest"
	"github.com/soyeahso/unibox/internal/retry"
	"github.com/soyeahso/unibox/internal/store"
)

var (
	selfUser  = &tg.User{ID: 1, Self: true, FirstName: "Me", Phone: "15550009"}
	aliceUser = &tg.User{ID: 100, AccessHash: 11, FirstName: "Alice", LastName: "Liddell"}
	bobUser   = &tg.User{ID: 200, AccessHash: 22, FirstName: "Bob"}
	crewChan  = &tg.Channel{ID: 300, AccessHash: 33, Title: "Crew", Megagroup: true}
)

type fakeAPI struct {
	mu        sync.Mutex
	dialogs   tg.MessagesDialogsClass
	history   tg.MessagesMessagesClass
	err       error
	sent      []*tg.MessagesSendMessageRequest
	media     []*tg.MessagesSendMediaRequest
	loggedOut bool
}

func (a *fakeAPI) MessagesGetDialogs(context.Context, *tg.MessagesGetDialogsRequest) (tg.MessagesDialogsClass, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	if a.dialogs == nil {
		return &tg.MessagesDialogs{}, nil
	}
	return a.dialogs, nil
}

func (a *fakeAPI) MessagesGetHistory(context.Context, *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.history, nil
}

func (a *fakeAPI) MessagesSendMessage(_ context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	a.sent = append(a.sent, req)
	return &tg.UpdateShortSentMessage{ID: 42, Date: 1_700_000_100}, nil
}

func (a *fakeAPI) MessagesSendMedia(_ context.Context, req *tg.MessagesSendMediaRequest) (tg.UpdatesClass, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.media = append(a.media, req)
	return &tg.Updates{
		Date:    1_700_000_200,
		Updates: []tg.UpdateClass{&tg.UpdateMessageID{ID: 43, RandomID: req.RandomID}},
	}, nil
}

func (a *fakeAPI) AuthLogOut(context.Context) (*tg.AuthLoggedOut, error) {
	a.loggedOut = true
	return &tg.AuthLoggedOut{}, nil
}

type fakeConn struct {
	api     *fakeAPI
	self    *tg.User
	runErr  error
	handler telegram.UpdateHandler
}

func (c *fakeConn) Run(ctx context.Context, ready func(*tg.User)) error {
	if c.runErr != nil {
		return c.runErr
	}
	ready(c.self)
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConn) API() API { return c.api }

func (c *fakeConn) Upload(context.Context, string, []byte) (tg.InputFileClass, error) {
	return &tg.InputFile{ID: 9, Parts: 1, Name: "f"}, nil
}

func (c *fakeConn) Download(context.Context, tg.InputFileLocationClass) ([]byte, error) {
	return []byte("bytes"), nil
}

type fakeDialer struct {
	conn      *fakeConn
	noSession map[string]bool
	forgotten []string
	password  string
}

func (d *fakeDialer) Dial(acct domain.Account, h telegram.UpdateHandler) (Conn, error) {
	if d.noSession[acct.ID] {
		return nil, ErrUnauthorized
	}
	d.conn.handler = h
	return d.conn, nil
}

func (d *fakeDialer) Login(ctx context.Context, _ domain.Account, prompts domain.LinkPrompts) (*tg.User, error) {
	prompts.OnCode("tg://login?token=abc")
	if prompts.Password == nil {
		return nil, ErrPasswordRequired
	}
	pw, err := prompts.Password(ctx)
	if err != nil {
		return nil, err
	}
	d.password = pw
	return &tg.User{ID: 555, FirstName: "New", Username: "newbie"}, nil
}

func (d *fakeDialer) Forget(id string) error {
	d.forgotten = append(d.forgotten, id)
	return nil
}

func testLogger() *logging.Logger { return logging.New(nil, "silent") }

type fixture struct {
	p      *Provider
	api    *fakeAPI
	conn   *fakeConn
	dialer *fakeDialer
	db     *store.DB
	snaps  *cache.MemorySnapshots

	mu     sync.Mutex
	events []domain.ProviderEvent
}

func (f *fixture) got() []domain.ProviderEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ProviderEvent(nil), f.events...)
}

func newFixture(t *testing.T, accts ...domain.Account) *fixture {
	t.Helper()
	db, err := store.Open(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	api := &fakeAPI{}
	f := &fixture{
		api:   api,
		conn:  &fakeConn{api: api, self: selfUser},
		db:    db,
		snaps: cache.NewMemorySnapshots(),
	}
	f.dialer = &fakeDialer{conn: f.conn, noSession: map[string]bool{}}
	f.p = New(f.dialer, provider.Deps{
		Accounts:  providertest.NewAccounts(accts...),
		Store:     db,
		Snapshots: f.snaps,
		Listeners: listener.NewRegistry(16, testLogger()),
		Ready:     retry.Policy{MaxAttempts: 50, Interval: 2 * time.Millisecond},
	}, 0, testLogger())
	t.Cleanup(func() { f.p.Stop(context.Background()); f.p.Close() })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.p.Start(context.Background(), func(ev domain.ProviderEvent) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}))
}

func (f *fixture) waitConnected(t *testing.T, acct string) *conn {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.p.ConnectionState(acct) == domain.StateConnected
	}, time.Second, 2*time.Millisecond)
	c, ok := f.p.live(acct)
	require.True(t, ok)
	return c
}

func account(id string, active bool) domain.Account {
	return domain.Account{ID: id, Platform: platform, Active: active}
}

func textMessage(id int, peer tg.PeerClass, from tg.PeerClass, text string, out bool) *tg.Message {
	m := &tg.Message{ID: id, PeerID: peer, Date: 1_700_000_000 + id, Message: text, Out: out}
	if from != nil {
		m.SetFromID(from)
	}
	return m
}

func TestPeerMarking(t *testing.T) {
	cases := []struct {
		peer   tg.PeerClass
		native string
	}{
		{&tg.PeerUser{UserID: 100}, "100"},
		{&tg.PeerChat{ChatID: 55}, "-55"},
		{&tg.PeerChannel{ChannelID: 300}, "-100300"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.native, nativePeer(tc.peer))
		back, ok := parsePeer(tc.native)
		require.True(t, ok, tc.native)
		assert.Equal(t, tc.peer, back)
	}
	_, ok := parsePeer("abc")
	assert.False(t, ok)
}

func TestChatInfoTypes(t *testing.T) {
	p := newPeers()
	bot := &tg.User{ID: 400, Bot: true, FirstName: "Helper"}
	news := &tg.Channel{ID: 500, Title: "News", Broadcast: true}
	p.add([]tg.UserClass{aliceUser, bot, &tg.User{ID: serviceUserID, FirstName: "Telegram"}},
		[]tg.ChatClass{crewChan, news, &tg.Chat{ID: 55, Title: "Family", ParticipantsCount: 4}})

	alice := p.chatInfo("A1", &tg.PeerUser{UserID: 100})
	assert.Equal(t, domain.ChatPrivate, alice.Type)
	assert.Equal(t, "Alice Liddell", alice.Name)
	assert.Equal(t, "tg:peer:100", alice.GroupID)
	assert.Equal(t, "tg:A1:100", alice.ID)

	assert.Equal(t, domain.ChatBot, p.chatInfo("A1", &tg.PeerUser{UserID: 400}).Type)
	assert.Equal(t, domain.ChatSystem, p.chatInfo("A1", &tg.PeerUser{UserID: serviceUserID}).Type)

	crew := p.chatInfo("A1", &tg.PeerChannel{ChannelID: 300})
	assert.Equal(t, domain.ChatGroup, crew.Type)
	assert.Equal(t, "tg:gid:-100300", crew.GroupID)

	assert.Equal(t, domain.ChatChannel, p.chatInfo("A1", &tg.PeerChannel{ChannelID: 500}).Type)

	family := p.chatInfo("A1", &tg.PeerChat{ChatID: 55})
	assert.Equal(t, domain.ChatGroup, family.Type)
	require.NotNil(t, family.MemberCount)
	assert.Equal(t, 4, *family.MemberCount)
}

func TestInputPeerNeedsAccessHash(t *testing.T) {
	p := newPeers()
	_, ok := p.inputPeer("100")
	assert.False(t, ok)

	p.add([]tg.UserClass{aliceUser, selfUser}, []tg.ChatClass{crewChan})
	peer, ok := p.inputPeer("100")
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerUser{UserID: 100, AccessHash: 11}, peer)

	peer, ok = p.inputPeer("1")
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerSelf{}, peer)

	peer, ok = p.inputPeer("-100300")
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerChannel{ChannelID: 300, AccessHash: 33}, peer)

	peer, ok = p.inputPeer("-55")
	require.True(t, ok)
	assert.Equal(t, &tg.InputPeerChat{ChatID: 55}, peer)
}

func TestConvertMedia(t *testing.T) {
	p := newPeers()
	p.add([]tg.UserClass{aliceUser}, nil)
	peer := &tg.PeerUser{UserID: 100}

	voice := textMessage(7, peer, nil, "", false)
	voice.SetMedia(&tg.MessageMediaDocument{Document: &tg.Document{
		ID: 1, AccessHash: 2, MimeType: "audio/ogg", Size: 1234,
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true, Duration: 3}},
	}})
	cv, ok := p.convert("A1", voice)
	require.True(t, ok)
	require.NotNil(t, cv.loc)
	msg, res := classify.Message(cv.raw)
	assert.Equal(t, domain.TypeVoice, msg.Type)
	assert.Equal(t, "tg:A1:100_7", msg.ID)
	assert.Equal(t, "Alice Liddell", msg.SenderName)
	require.NotNil(t, res.Media)
	assert.Equal(t, "/media/tg/A1/voice/100_7.ogg", msg.Content)

	sticker := textMessage(8, peer, nil, "", false)
	sticker.SetMedia(&tg.MessageMediaDocument{Document: &tg.Document{
		ID: 3, MimeType: "application/x-tgsticker",
		Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeSticker{Alt: "😀", Stickerset: &tg.InputStickerSetEmpty{}}},
	}})
	cv, _ = p.convert("A1", sticker)
	msg, _ = classify.Message(cv.raw)
	assert.Equal(t, domain.TypeSticker, msg.Type)
	assert.Equal(t, "/media/tg/A1/sticker/100_8.tgs", msg.Content)

	photo := textMessage(9, peer, nil, "sunset", false)
	photo.SetMedia(&tg.MessageMediaPhoto{Photo: &tg.Photo{
		ID: 4, Sizes: []tg.PhotoSizeClass{&tg.PhotoSize{Type: "m", Size: 10}, &tg.PhotoSize{Type: "y", Size: 99}},
	}})
	cv, _ = p.convert("A1", photo)
	loc, ok := cv.loc.(*tg.InputPhotoFileLocation)
	require.True(t, ok)
	assert.Equal(t, "y", loc.ThumbSize)
	msg, _ = classify.Message(cv.raw)
	assert.Equal(t, domain.TypePhoto, msg.Type)

	poll := textMessage(10, peer, nil, "", false)
	poll.SetMedia(&tg.MessageMediaPoll{})
	cv, _ = p.convert("A1", poll)
	msg, _ = classify.Message(cv.raw)
	assert.Equal(t, domain.TypeUnknown, msg.Type)
	assert.Equal(t, "messageMediaPoll", msg.Content)
}

func TestConvertServiceActions(t *testing.T) {
	p := newPeers()
	p.add([]tg.UserClass{aliceUser, bobUser}, []tg.ChatClass{crewChan})
	peer := &tg.PeerChannel{ChannelID: 300}
	from := &tg.PeerUser{UserID: 100}

	svc := func(id int, action tg.MessageActionClass) string {
		m := &tg.MessageService{ID: id, PeerID: peer, Date: 1_700_000_000, Action: action}
		m.SetFromID(from)
		cv, ok := p.convert("A1", m)
		require.True(t, ok)
		msg, _ := classify.Message(cv.raw)
		assert.Equal(t, domain.TypeSystem, msg.Type)
		return msg.Content
	}

	assert.Equal(t, "Alice Liddell added Bob", svc(1, &tg.MessageActionChatAddUser{Users: []int64{200}}))
	assert.Equal(t, "Alice Liddell joined the group", svc(2, &tg.MessageActionChatAddUser{Users: []int64{100}}))
	assert.Equal(t, "Alice Liddell left the group", svc(3, &tg.MessageActionChatDeleteUser{UserID: 100}))
	assert.Equal(t, "Alice Liddell removed Bob", svc(4, &tg.MessageActionChatDeleteUser{UserID: 200}))
	assert.Equal(t, `Alice Liddell changed the group name to "Crew"`, svc(5, &tg.MessageActionChatEditTitle{Title: "Crew"}))
	assert.Equal(t, "Alice Liddell pinned a message", svc(6, &tg.MessageActionPinMessage{}))
}

func TestConnectionStates(t *testing.T) {
	f := newFixture(t, account("A1", true), account("A2", true))
	f.dialer.noSession["A2"] = true
	f.start(t)

	f.waitConnected(t, "A1")
	assert.True(t, f.p.IsListening("A1"))
	assert.Equal(t, domain.StateUnlinked, f.p.ConnectionState("A2"))
	assert.False(t, f.p.IsListening("A2"))
	assert.Error(t, f.p.StartAccountListening(context.Background(), "A2"))
	assert.ErrorIs(t, f.p.StartAccountListening(context.Background(), "nobody"), domain.ErrUnknownAccount)
}

func TestRevokedSessionIsLoggedOut(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.conn.runErr = tgerr.New(401, "AUTH_KEY_UNREGISTERED")
	f.start(t)

	require.Eventually(t, func() bool {
		return f.p.ConnectionState("A1") == domain.StateLoggedOut
	}, time.Second, 2*time.Millisecond)
}

func TestHandleMessageRecordsAndForwards(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	c := f.waitConnected(t, "A1")
	c.peers.add([]tg.UserClass{aliceUser}, nil)

	f.p.handleMessage("A1", c, textMessage(5, &tg.PeerUser{UserID: 100}, nil, "hello", false))

	got := f.got()
	require.Len(t, got, 1)
	assert.Equal(t, "tg:A1:100_5", got[0].Message.ID)
	assert.Equal(t, "hello", got[0].Message.Content)
	assert.Equal(t, "Alice Liddell", got[0].ChatInfo.Name)
	assert.Equal(t, 1, got[0].ChatInfo.UnreadCount)
}

func TestOwnMessagesAreAttributedToSelf(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	c := f.waitConnected(t, "A1")

	f.p.handleMessage("A1", c, textMessage(6, &tg.PeerUser{UserID: 100}, nil, "mine", true))

	got := f.got()
	require.Len(t, got, 1)
	assert.True(t, got[0].Message.IsOwn)
	assert.Equal(t, "1", got[0].Message.Sender)
	assert.Equal(t, "Me", got[0].Message.SenderName)
	assert.Zero(t, got[0].ChatInfo.UnreadCount)
}

func TestInactiveAccountDropsMessages(t *testing.T) {
	f := newFixture(t, account("A1", false))
	f.start(t)
	c := f.waitConnected(t, "A1")
	assert.False(t, f.p.IsListening("A1"))

	f.p.handleMessage("A1", c, textMessage(5, &tg.PeerUser{UserID: 100}, nil, "hello", false))
	assert.Empty(t, f.got())
}

func TestGetChatsFromDialogs(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.api.dialogs = &tg.MessagesDialogsSlice{
		Count: 2,
		Dialogs: []tg.DialogClass{
			&tg.Dialog{Peer: &tg.PeerUser{UserID: 100}, TopMessage: 5, UnreadCount: 2},
			&tg.Dialog{Peer: &tg.PeerChannel{ChannelID: 300}, TopMessage: 9, UnreadCount: 0},
		},
		Messages: []tg.MessageClass{
			textMessage(5, &tg.PeerUser{UserID: 100}, nil, "older", false),
			textMessage(9, &tg.PeerChannel{ChannelID: 300}, &tg.PeerUser{UserID: 200}, "newer", false),
		},
		Users: []tg.UserClass{aliceUser, bobUser},
		Chats: []tg.ChatClass{crewChan},
	}
	f.start(t)
	f.waitConnected(t, "A1")

	chats, err := f.p.GetChats(context.Background(), "A1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "Crew", chats[0].Name)
	assert.Equal(t, "newer", chats[0].LastMessage)
	assert.Equal(t, "Alice Liddell", chats[1].Name)
	assert.Equal(t, 2, chats[1].UnreadCount)

	snap, ok, err := f.snaps.Load(context.Background(), "A1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, snap, 2)
}

func TestGetChatsFloodWaitServesSnapshot(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	f.waitConnected(t, "A1")

	snap := []domain.ChatInfo{{ID: "tg:A1:100", Name: "Alice", AccountID: "A1", Platform: platform}}
	require.NoError(t, f.snaps.Save(context.Background(), "A1", snap))
	f.api.err = tgerr.New(420, "FLOOD_WAIT_30")

	chats, err := f.p.GetChats(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, snap, chats)
}

func TestGetMessagesFetchesHistory(t *testing.T) {
	f := newFixture(t, account("A1", true))
	peer := &tg.PeerUser{UserID: 100}
	f.api.history = &tg.MessagesMessagesSlice{
		Count: 10,
		Messages: []tg.MessageClass{
			textMessage(3, peer, nil, "third", false),
			textMessage(2, peer, nil, "second", true),
			textMessage(1, peer, nil, "first", false),
		},
		Users: []tg.UserClass{aliceUser},
	}
	f.start(t)
	c := f.waitConnected(t, "A1")
	c.peers.add([]tg.UserClass{aliceUser}, nil)

	page, err := f.p.GetMessages(context.Background(), "tg:A1:100", 3)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "first", page.Messages[0].Content)
	assert.Equal(t, "third", page.Messages[2].Content)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.ChatInfo)
	assert.Equal(t, "Alice Liddell", page.ChatInfo.Name)

	f.api.err = tgerr.New(420, "FLOOD_WAIT_5")
	cached, err := f.p.GetMessages(context.Background(), "tg:A1:100", 10)
	require.NoError(t, err)
	assert.Len(t, cached.Messages, 3)
}

func TestGetMessagesNotReady(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.dialer.noSession["A1"] = true
	f.start(t)

	page, err := f.p.GetMessages(context.Background(), "tg:A1:100", 10)
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
	assert.Empty(t, page.Messages)
}

func TestGetMessagesRateLimitedLookupServesCache(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	f.waitConnected(t, "A1")

	cached := domain.ChatMessage{
		ID:        "tg:A1:100_1",
		ChatID:    "tg:A1:100",
		Sender:    "100",
		Content:   "from cache",
		Timestamp: time.Unix(1_700_000_000, 0),
		Type:      domain.TypeText,
		Status:    domain.StatusReceived,
	}
	require.NoError(t, f.db.SaveMessages(context.Background(), "A1", []domain.ChatMessage{cached}))

	// The peer is not known yet, so the lookup itself hits the flood wait.
	f.api.err = tgerr.New(420, "FLOOD_WAIT_5")
	page, err := f.p.GetMessages(context.Background(), "tg:A1:100", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "from cache", page.Messages[0].Content)
}

func TestSendNotReadyIsUnsuccessful(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.dialer.noSession["A1"] = true
	f.start(t)

	res, err := f.p.SendMessage(context.Background(), "tg:A1:100", domain.SendRequest{Content: "x"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.SendNotReady, res.Error)
	assert.Empty(t, f.api.sent)
}

func TestSendText(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	c := f.waitConnected(t, "A1")
	c.peers.add([]tg.UserClass{aliceUser}, nil)

	res, err := f.p.SendMessage(context.Background(), "tg:A1:100", domain.SendRequest{Content: "hey"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "tg:A1:100_42", res.MessageID)
	require.Len(t, f.api.sent, 1)
	assert.Equal(t, &tg.InputPeerUser{UserID: 100, AccessHash: 11}, f.api.sent[0].Peer)

	got := f.got()
	require.Len(t, got, 1)
	assert.True(t, got[0].Message.IsOwn)
}

func TestSendVoiceDocument(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	c := f.waitConnected(t, "A1")
	c.peers.add([]tg.UserClass{aliceUser}, nil)

	res, err := f.p.SendMessage(context.Background(), "tg:A1:100", domain.SendRequest{
		Type:       domain.TypeVoice,
		Attachment: &domain.Attachment{Data: []byte("OggS....OpusHead"), FileName: "note.ogg", MimeType: "audio/ogg"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tg:A1:100_43", res.MessageID)
	require.Len(t, f.api.media, 1)
	doc, ok := f.api.media[0].Media.(*tg.InputMediaUploadedDocument)
	require.True(t, ok)
	assert.Contains(t, doc.Attributes, tg.DocumentAttributeClass(&tg.DocumentAttributeAudio{Voice: true}))
}

func TestSendUnknownPeer(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	f.waitConnected(t, "A1")

	_, err := f.p.SendMessage(context.Background(), "tg:A1:999", domain.SendRequest{Content: "x"})
	var te *domain.TargetError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.TargetPeerNotFound, te.Reason)
}

func TestMapError(t *testing.T) {
	var rl *domain.RateLimitError
	require.ErrorAs(t, mapError("c", tgerr.New(420, "FLOOD_WAIT_30")), &rl)
	assert.Equal(t, 30, rl.RetryAfterSeconds)
	assert.ErrorIs(t, rl, domain.ErrRateLimited)

	reasons := map[string]string{
		"PEER_ID_INVALID":        domain.TargetPeerNotFound,
		"USER_DEACTIVATED":       domain.TargetPeerDeactivated,
		"INPUT_USER_DEACTIVATED": domain.TargetPeerDeactivated,
		"CHAT_WRITE_FORBIDDEN":   domain.TargetWriteForbidden,
		"USER_IS_BLOCKED":        domain.TargetWriteForbidden,
	}
	for code, reason := range reasons {
		var te *domain.TargetError
		require.ErrorAs(t, mapError("c", tgerr.New(400, code)), &te, code)
		assert.Equal(t, reason, te.Reason, code)
	}

	assert.ErrorIs(t, mapError("c", tgerr.New(401, "AUTH_KEY_UNREGISTERED")), domain.ErrNotReady)
	assert.NoError(t, mapError("c", nil))
}

func TestLogoutForgetsSession(t *testing.T) {
	f := newFixture(t, account("A1", true))
	f.start(t)
	f.waitConnected(t, "A1")

	require.NoError(t, f.p.Logout(context.Background(), "A1"))
	assert.True(t, f.api.loggedOut)
	assert.Equal(t, []string{"A1"}, f.dialer.forgotten)
	assert.Equal(t, domain.StateUnlinked, f.p.ConnectionState("A1"))
	assert.False(t, f.p.IsListening("A1"))
}

func TestLinkRecordsUser(t *testing.T) {
	f := newFixture(t)
	var codes []string
	acct, err := f.p.Link(context.Background(), domain.Account{ID: "new"}, domain.LinkPrompts{
		OnCode:   func(c string) { codes = append(codes, c) },
		Password: func(context.Context) (string, error) { return "hunter2", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tg://login?token=abc"}, codes)
	assert.Equal(t, "hunter2", f.dialer.password)
	assert.Equal(t, "555", acct.Meta[MetaUserID])
	assert.Equal(t, "newbie", acct.Meta[MetaUsername])
	assert.Equal(t, "New", acct.Label)

	_, err = f.p.Link(context.Background(), domain.Account{ID: "other"}, domain.LinkPrompts{OnCode: func(string) {}})
	assert.ErrorIs(t, err, ErrPasswordRequired)
}
