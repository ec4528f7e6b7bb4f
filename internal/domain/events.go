package domain

// EventKind names a push event.
type EventKind string

const (
	EventNewMessage           EventKind = "new-message"
	EventChatUpdated          EventKind = "chat-updated"
	EventMediaDownloaded      EventKind = "media-downloaded"
	EventAccountStatusChanged EventKind = "account-status-changed"
)

// EventKinds lists all push event kinds.
var EventKinds = []EventKind{EventNewMessage, EventChatUpdated, EventMediaDownloaded, EventAccountStatusChanged}

// ChatUpdated is the payload of a chat-updated event.
type ChatUpdated struct {
	ChatInfo ChatInfo `json:"chatInfo"`
}

// MediaDownloaded is the payload of a media-downloaded event. MessageID is
// the canonical message id and the only correlation key.
type MediaDownloaded struct {
	FilePath  string      `json:"filePath"`
	MessageID string      `json:"messageId"`
	MediaType MessageType `json:"mediaType"`
	AccountID string      `json:"accountId"`
}

// AccountStatusChanged is the payload of an account-status-changed event.
type AccountStatusChanged struct {
	AccountID string    `json:"accountId"`
	Platform  Platform  `json:"platform,omitempty"`
	Status    ConnState `json:"status"`
	Active    bool      `json:"active"`
}

// AccountOf returns the account id an event payload belongs to, if any.
func AccountOf(payload any) string {
	switch p := payload.(type) {
	case ProviderEvent:
		return p.AccountID
	case ChatUpdated:
		return p.ChatInfo.AccountID
	case MediaDownloaded:
		return p.AccountID
	case AccountStatusChanged:
		return p.AccountID
	}
	return ""
}
