// Package providertest offers an in-memory MessageProvider for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/soyeahso/unibox/internal/domain"
)

// Fake is a scriptable MessageProvider. Zero maps are allocated by New.
type Fake struct {
	mu sync.Mutex

	platform  domain.Platform
	onEvent   func(domain.ProviderEvent)
	started   bool
	stopped   bool
	StartErr  error
	States    map[string]domain.ConnState
	Listening map[string]bool
	Starts    map[string]int
	Chats     map[string][]domain.ChatInfo
	ChatErr   map[string]error
	Pages     map[string]domain.MessagePage
	SendErr   error
	Sent      []SentMessage
	LoggedOut []string
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	ChatID  string
	Request domain.SendRequest
}

// New returns a Fake for platform p.
func New(p domain.Platform) *Fake {
	return &Fake{
		platform:  p,
		States:    map[string]domain.ConnState{},
		Listening: map[string]bool{},
		Starts:    map[string]int{},
		Chats:     map[string][]domain.ChatInfo{},
		ChatErr:   map[string]error{},
		Pages:     map[string]domain.MessagePage{},
	}
}

// SetState sets the connection state reported for an account.
func (f *Fake) SetState(id string, s domain.ConnState) {
	f.mu.Lock()
	f.States[id] = s
	f.mu.Unlock()
}

// SetChats sets the chats returned for an account.
func (f *Fake) SetChats(id string, chats []domain.ChatInfo, err error) {
	f.mu.Lock()
	f.Chats[id] = chats
	f.ChatErr[id] = err
	f.mu.Unlock()
}

// Deliver pushes an event through the handler given to Start.
func (f *Fake) Deliver(ev domain.ProviderEvent) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Started reports whether Start succeeded and Stop has not been called.
func (f *Fake) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopped
}

// SentMessages returns a copy of recorded sends.
func (f *Fake) SentMessages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.Sent...)
}

func (f *Fake) Platform() domain.Platform { return f.platform }

func (f *Fake) Start(_ context.Context, onEvent func(domain.ProviderEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.onEvent = onEvent
	f.started = true
	return nil
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) StartAccountListening(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Listening[id] {
		return nil
	}
	f.Listening[id] = true
	f.Starts[id]++
	return nil
}

func (f *Fake) StopAccountListening(id string) {
	f.mu.Lock()
	delete(f.Listening, id)
	f.mu.Unlock()
}

func (f *Fake) IsListening(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Listening[id]
}

func (f *Fake) ConnectionState(id string) domain.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.States[id]; ok {
		return s
	}
	return domain.StateDisconnected
}

func (f *Fake) GetMessages(_ context.Context, chatID string, _ int) (domain.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.Pages[chatID]; ok {
		return p, nil
	}
	return domain.EmptyPage(nil), nil
}

func (f *Fake) SendMessage(_ context.Context, chatID string, req domain.SendRequest) (domain.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return domain.SendResult{}, f.SendErr
	}
	f.Sent = append(f.Sent, SentMessage{ChatID: chatID, Request: req})
	return domain.SendResult{Success: true, MessageID: chatID + ":sent"}, nil
}

func (f *Fake) GetChats(_ context.Context, id string) ([]domain.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ChatErr[id]; err != nil {
		return nil, err
	}
	return append([]domain.ChatInfo(nil), f.Chats[id]...), nil
}

func (f *Fake) Logout(_ context.Context, id string) error {
	f.mu.Lock()
	f.LoggedOut = append(f.LoggedOut, id)
	f.mu.Unlock()
	return nil
}

// Accounts is an in-memory domain.AccountSource.
type Accounts struct {
	mu   sync.RWMutex
	byID map[string]domain.Account
}

// NewAccounts seeds an account source.
func NewAccounts(accts ...domain.Account) *Accounts {
	a := &Accounts{byID: map[string]domain.Account{}}
	for _, acct := range accts {
		a.byID[acct.ID] = acct
	}
	return a
}

// Put adds or replaces an account.
func (a *Accounts) Put(acct domain.Account) {
	a.mu.Lock()
	a.byID[acct.ID] = acct
	a.mu.Unlock()
}

func (a *Accounts) Get(id string) (domain.Account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.byID[id]
	return acct, ok
}

func (a *Accounts) List(p domain.Platform) []domain.Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []domain.Account
	for _, acct := range a.byID {
		if p == "" || acct.Platform == p {
			out = append(out, acct)
		}
	}
	return out
}
