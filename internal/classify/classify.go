package classify

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/soyeahso/unibox/internal/domain"
)

// Result is the outcome of classification. Media is set for media types.
type Result struct {
	Type    domain.MessageType
	Content string
	Media   *MediaRef
}

// MediaRef locates a media message's bytes once downloaded.
type MediaRef struct {
	Platform  domain.Platform
	AccountID string
	MessageID string
	NativeID  string
	Type      domain.MessageType
	Ext       string
	MimeType  string
	FileName  string
	// KnownHash is the platform-supplied content hash, if any.
	KnownHash string
}

// URL returns the public retrieval path.
func (m MediaRef) URL() string {
	return domain.MediaURL(m.Platform, m.AccountID, m.Type, m.NativeID, m.Ext)
}

// RelPath returns the path below the media root.
func (m MediaRef) RelPath() string {
	return domain.MediaRelPath(m.Platform, m.AccountID, m.Type, m.NativeID, m.Ext)
}

// Classify applies the ordered rules: text, voice, photo, video, document
// (reclassified by attributes and MIME), sticker, contact, location,
// system action, then unknown.
func Classify(r Raw) Result {
	switch {
	case r.Text != "" && !r.hasPayload():
		return Result{Type: domain.TypeText, Content: r.Text}

	case r.Voice != nil:
		return mediaResult(r, domain.TypeVoice, r.Voice)
	case r.Document != nil && r.Document.VoiceAttr:
		return mediaResult(r, domain.TypeVoice, r.Document)
	case r.Audio != nil && r.Audio.VoiceAttr:
		return mediaResult(r, domain.TypeVoice, r.Audio)

	case r.Image != nil:
		return mediaResult(r, domain.TypePhoto, r.Image)
	case r.Video != nil:
		return mediaResult(r, domain.TypeVideo, r.Video)

	case r.Audio != nil:
		return mediaResult(r, domain.TypeAudio, r.Audio)
	case r.Document != nil:
		return mediaResult(r, documentType(r.Document), r.Document)

	case r.Sticker != nil:
		ref := &MediaRef{
			Platform:  r.Platform,
			AccountID: r.AccountID,
			MessageID: domain.CanonicalID(r.Platform, r.AccountID, r.NativeID),
			NativeID:  r.NativeID,
			Type:      domain.TypeSticker,
			Ext:       stickerExt(r.Sticker),
			MimeType:  r.Sticker.MimeType,
			KnownHash: r.Sticker.SHA256,
		}
		return Result{Type: domain.TypeSticker, Content: ref.URL(), Media: ref}

	case r.Contact != nil:
		return Result{Type: domain.TypeContact, Content: contactContent(r.Contact)}
	case r.Location != nil:
		return Result{Type: domain.TypeLocation, Content: locationContent(r.Location)}
	case r.Action != nil:
		return Result{Type: domain.TypeSystem, Content: RenderAction(*r.Action)}
	}

	raw := r.RawType
	if raw == "" {
		raw = "unknown"
	}
	return Result{Type: domain.TypeUnknown, Content: raw}
}

// documentType reclassifies a generic document by attributes, then MIME.
func documentType(d *Media) domain.MessageType {
	switch {
	case d.VoiceAttr:
		return domain.TypeVoice
	case d.VideoAttr:
		return domain.TypeVideo
	case d.AudioAttr:
		return domain.TypeAudio
	case d.ImageAttr:
		return domain.TypePhoto
	}
	switch mime := BaseMime(d.MimeType); {
	case strings.HasPrefix(mime, "video/"):
		return domain.TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return domain.TypeAudio
	case strings.HasPrefix(mime, "image/") && mime != "image/webp":
		return domain.TypePhoto
	}
	return domain.TypeDocument
}

func mediaResult(r Raw, t domain.MessageType, m *Media) Result {
	ref := &MediaRef{
		Platform:  r.Platform,
		AccountID: r.AccountID,
		MessageID: domain.CanonicalID(r.Platform, r.AccountID, r.NativeID),
		NativeID:  r.NativeID,
		Type:      t,
		Ext:       Extension(t, m.MimeType, m.FileName),
		MimeType:  BaseMime(m.MimeType),
		FileName:  m.FileName,
		KnownHash: strings.ToLower(m.SHA256),
	}
	return Result{Type: t, Content: ref.URL(), Media: ref}
}

func contactContent(c *Contact) string {
	switch {
	case c.Name != "" && c.Phone != "":
		return c.Name + " (" + c.Phone + ")"
	case c.Name != "":
		return c.Name
	case c.Phone != "":
		return c.Phone
	}
	return "Contact"
}

func locationContent(g *domain.Geo) string {
	coords := strconv.FormatFloat(g.Latitude, 'f', 6, 64) + "," + strconv.FormatFloat(g.Longitude, 'f', 6, 64)
	if g.Name != "" {
		return g.Name + " (" + coords + ")"
	}
	return coords
}

const (
	someone  = "Someone"
	aMember  = "a member"
	theGroup = "the group"
)

// RenderAction renders a system event from resolved display names. Empty or
// purely numeric names fall back to neutral wording.
func RenderAction(a Action) string {
	actor := displayName(a.Actor, someone)
	targets := joinNames(a.Targets)

	switch a.Kind {
	case ActionJoin:
		return actor + " joined " + theGroup
	case ActionLeave:
		return actor + " left " + theGroup
	case ActionAdd:
		if targets == "" {
			return actor + " added " + aMember
		}
		return actor + " added " + targets
	case ActionRemove:
		if targets == "" {
			return actor + " removed " + aMember
		}
		return actor + " removed " + targets
	case ActionTitle:
		if a.Title == "" {
			return actor + " changed the group name"
		}
		return fmt.Sprintf("%s changed the group name to %q", actor, a.Title)
	case ActionPhoto:
		return actor + " changed the group photo"
	case ActionPhotoRemoved:
		return actor + " removed the group photo"
	case ActionCreate:
		if a.Title == "" {
			return actor + " created " + theGroup
		}
		return fmt.Sprintf("%s created the group %q", actor, a.Title)
	case ActionPin:
		return actor + " pinned a message"
	}
	return actor + " updated " + theGroup
}

func joinNames(names []string) string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, displayName(n, aMember))
	}
	switch len(out) {
	case 0:
		return ""
	case 1:
		return out[0]
	}
	return strings.Join(out[:len(out)-1], ", ") + " and " + out[len(out)-1]
}

// displayName rejects empty or id-like names.
func displayName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" || looksLikeID(name) {
		return fallback
	}
	return name
}

func looksLikeID(s string) bool {
	s = strings.TrimPrefix(s, "+")
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
