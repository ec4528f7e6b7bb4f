package domain

import "context"

// MessageProvider is the contract every platform adapter implements.
// Start and StartAccountListening are idempotent; StopAccountListening is
// safe on unknown accounts.
type MessageProvider interface {
	Platform() Platform

	Start(ctx context.Context, onEvent func(ProviderEvent)) error
	Stop(ctx context.Context) error

	StartAccountListening(ctx context.Context, accountID string) error
	StopAccountListening(accountID string)
	IsListening(accountID string) bool
	ConnectionState(accountID string) ConnState

	// GetMessages never fails because the client is not ready; it returns an
	// empty page after a bounded wait instead.
	GetMessages(ctx context.Context, chatID string, limit int) (MessagePage, error)
	SendMessage(ctx context.Context, chatID string, req SendRequest) (SendResult, error)
	GetChats(ctx context.Context, accountID string) ([]ChatInfo, error)

	// Logout deletes credentials for the account.
	Logout(ctx context.Context, accountID string) error
}

// AccountSource resolves account records. Implemented by the session store.
type AccountSource interface {
	Get(id string) (Account, bool)
	List(platform Platform) []Account
}

// LinkPrompts are the interactive hooks a link flow may need. OnCode
// receives every login code (QR payload) as it rotates; Password is asked
// for a second-factor password and may be nil.
type LinkPrompts struct {
	OnCode   func(code string)
	Password func(ctx context.Context) (string, error)
}

// Linker pairs a new account with its platform and returns it with its
// platform identity filled in.
type Linker interface {
	Link(ctx context.Context, acct Account, prompts LinkPrompts) (Account, error)
}
