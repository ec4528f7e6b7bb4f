package domain

import (
	"cmp"
	"slices"
	"time"
)

// MessageType is the canonical kind of a ChatMessage.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeVoice    MessageType = "voice"
	TypeAudio    MessageType = "audio"
	TypePhoto    MessageType = "photo"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
	TypeSticker  MessageType = "sticker"
	TypeContact  MessageType = "contact"
	TypeLocation MessageType = "location"
	TypeSystem   MessageType = "system"
	TypeUnknown  MessageType = "unknown"
)

// IsMedia reports whether content for this type is a retrieval path.
func (t MessageType) IsMedia() bool {
	switch t {
	case TypeVoice, TypeAudio, TypePhoto, TypeVideo, TypeDocument, TypeSticker:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusReceived  MessageStatus = "received"
	StatusFailed    MessageStatus = "failed"
)

// Geo is a shared location.
type Geo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ChatMessage is the canonical message shape shared by all platforms.
type ChatMessage struct {
	ID         string        `json:"id"`
	ChatID     string        `json:"chatId"`
	Sender     string        `json:"sender"`
	SenderName string        `json:"senderName"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	IsOwn      bool          `json:"isOwn"`
	Type       MessageType   `json:"type"`
	Status     MessageStatus `json:"status"`
	FileName   string        `json:"fileName,omitempty"`
	FileHash   string        `json:"fileHash,omitempty"`
	Geo        *Geo          `json:"geo,omitempty"`
}

// Preview is the short text shown as a chat's last message.
func (m ChatMessage) Preview() string {
	switch m.Type {
	case TypeText, TypeSystem:
		return m.Content
	case TypeContact:
		return "Contact: " + m.Content
	case TypeLocation:
		return "Location"
	case TypeUnknown:
		return "Unsupported message"
	}
	if m.FileName != "" {
		return m.FileName
	}
	return string(m.Type)
}

// ChatType classifies a conversation.
type ChatType string

const (
	ChatPrivate ChatType = "private"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
	ChatBot     ChatType = "bot"
	ChatSystem  ChatType = "system"
	ChatTopic   ChatType = "topic"
)

// ChatInfo is the canonical conversation shape. GroupID merges the same
// conversation seen through different linked accounts.
type ChatInfo struct {
	ID              string    `json:"id"`
	Platform        Platform  `json:"platform"`
	AccountID       string    `json:"accountId"`
	GroupID         string    `json:"groupId"`
	Name            string    `json:"name"`
	Avatar          string    `json:"avatar,omitempty"`
	Type            ChatType  `json:"type"`
	MemberCount     *int      `json:"memberCount,omitempty"`
	LastMessage     string    `json:"lastMessage"`
	LastMessageTime time.Time `json:"lastMessageTime"`
	UnreadCount     int       `json:"unreadCount"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Accounts        []string  `json:"accounts,omitempty"`
}

// MessagePage is one page of history for a chat.
type MessagePage struct {
	ChatInfo *ChatInfo     `json:"chatInfo"`
	Messages []ChatMessage `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// SortChats orders chats by last activity, newest first, ties by id.
func SortChats(chats []ChatInfo) {
	slices.SortStableFunc(chats, func(a, b ChatInfo) int {
		if c := b.LastMessageTime.Compare(a.LastMessageTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// EmptyPage returns a well-formed page with no messages.
func EmptyPage(chat *ChatInfo) MessagePage {
	return MessagePage{ChatInfo: chat, Messages: []ChatMessage{}}
}

// Attachment is binary content accompanying an outbound message.
type Attachment struct {
	Data     []byte `json:"-"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType,omitempty"`
}

// SendRequest is an outbound message. Type defaults to text, or is derived
// from the attachment when empty.
type SendRequest struct {
	Content    string      `json:"content"`
	Type       MessageType `json:"type,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// SendResult reports the outcome of a send.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	FileHash  string `json:"fileHash,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	// Error names why an unsuccessful send was not delivered.
	Error string `json:"error,omitempty"`
}

// SendNotReady marks a send that was dropped because the account's client
// did not connect in time.
const SendNotReady = "not_ready"

// MediaAsset is a stored media file. At most one non-duplicate asset exists
// per (AccountID, Type, ContentHash).
type MediaAsset struct {
	ContentHash      string      `json:"contentHash"`
	StoragePath      string      `json:"storagePath"`
	URL              string      `json:"url"`
	OriginalFileName string      `json:"originalFileName,omitempty"`
	MimeType         string      `json:"mimeType,omitempty"`
	SourceType       string      `json:"sourceType"`
	AccountID        string      `json:"accountId"`
	Type             MessageType `json:"type"`
	MessageID        string      `json:"messageId,omitempty"`
	IsDuplicate      bool        `json:"isDuplicate"`
	StoredAt         time.Time   `json:"storedAt"`
}

// Media source types.
const (
	SourceInbound  = "inbound"
	SourceOutbound = "outbound"
)

// ProviderEvent is the transient envelope a provider's live listener emits.
type ProviderEvent struct {
	Message   ChatMessage `json:"message"`
	ChatInfo  ChatInfo    `json:"chatInfo"`
	AccountID string      `json:"accountId"`
}
