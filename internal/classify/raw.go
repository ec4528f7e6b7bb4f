// Package classify maps a platform-neutral raw message onto the canonical
// (type, content) pair and builds the resulting ChatMessage.
package classify

import (
	"time"

	"github.com/soyeahso/unibox/internal/domain"
)

// Raw is what a provider adapter extracts from its platform message before
// classification. At most one payload field is normally set; when several
// are, the classifier's priority order decides.
type Raw struct {
	Platform   domain.Platform
	AccountID  string
	ChatID     string // canonical chat id
	NativeID   string
	Sender     string
	SenderName string
	Timestamp  time.Time
	IsOwn      bool
	Status     domain.MessageStatus
	// RawType is the platform's own name for the message kind, echoed for
	// unknown messages.
	RawType string

	Text     string
	Voice    *Media
	Audio    *Media
	Image    *Media
	Video    *Media
	Document *Media
	Sticker  *Sticker
	Contact  *Contact
	Location *domain.Geo
	Action   *Action
}

// Media describes a platform media attachment.
type Media struct {
	MimeType string
	FileName string
	Size     int64
	// SHA256 is the hex content hash when the platform supplies it.
	SHA256 string

	// Attributes some platforms attach to generic documents.
	VoiceAttr bool
	AudioAttr bool
	VideoAttr bool
	ImageAttr bool
}

// Sticker describes a sticker. Animated stickers use MimeType to pick
// between Lottie (.tgs) and video (.webm).
type Sticker struct {
	Animated bool
	MimeType string
	Emoji    string
	SHA256   string
}

// Contact is a shared contact card.
type Contact struct {
	Name  string
	Phone string
}

// ActionKind is a system/service event subtype.
type ActionKind string

const (
	ActionJoin         ActionKind = "join"
	ActionLeave        ActionKind = "leave"
	ActionAdd          ActionKind = "add"
	ActionRemove       ActionKind = "remove"
	ActionTitle        ActionKind = "title"
	ActionPhoto        ActionKind = "photo"
	ActionPhotoRemoved ActionKind = "photo_removed"
	ActionCreate       ActionKind = "create"
	ActionPin          ActionKind = "pin"
)

// Action is a membership or group metadata change. Actor and Targets must
// already be resolved to display names by the adapter.
type Action struct {
	Kind    ActionKind
	Actor   string
	Targets []string
	Title   string
}

func (r Raw) hasPayload() bool {
	return r.Voice != nil || r.Audio != nil || r.Image != nil || r.Video != nil ||
		r.Document != nil || r.Sticker != nil || r.Contact != nil || r.Location != nil || r.Action != nil
}
