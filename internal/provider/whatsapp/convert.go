package whatsapp

import (
	"encoding/hex"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
)

const platform = domain.PlatformWhatsApp

// nativeChat is the chat's native id: the JID without device part.
func nativeChat(jid types.JID) string {
	return jid.ToNonAD().String()
}

func chatType(jid types.JID) domain.ChatType {
	switch jid.Server {
	case types.GroupServer:
		return domain.ChatGroup
	case types.NewsletterServer:
		return domain.ChatChannel
	case types.BroadcastServer:
		return domain.ChatSystem
	case "bot":
		return domain.ChatBot
	}
	return domain.ChatPrivate
}

// chatInfo builds the chat card for a JID on one account.
func chatInfo(accountID string, jid types.JID, name string) domain.ChatInfo {
	native := nativeChat(jid)
	ct := chatType(jid)
	groupID := domain.PeerGroupID(platform, native)
	if ct == domain.ChatGroup || ct == domain.ChatChannel {
		groupID = domain.GroupGroupID(platform, native)
	}
	return domain.ChatInfo{
		ID:        domain.CanonicalID(platform, accountID, native),
		Platform:  platform,
		AccountID: accountID,
		GroupID:   groupID,
		Name:      name,
		Type:      ct,
		Status:    "active",
	}
}

// toRaw extracts the classifier input from a whatsmeow message. The second
// result is the downloadable part for media messages.
func toRaw(accountID string, v *events.Message) (classify.Raw, whatsmeow.DownloadableMessage) {
	info := v.Info
	r := classify.Raw{
		Platform:   platform,
		AccountID:  accountID,
		ChatID:     domain.CanonicalID(platform, accountID, nativeChat(info.Chat)),
		NativeID:   string(info.ID),
		Sender:     info.Sender.ToNonAD().String(),
		SenderName: info.PushName,
		Timestamp:  info.Timestamp,
		IsOwn:      info.IsFromMe,
	}

	msg := v.Message
	if msg == nil {
		r.RawType = "empty"
		return r, nil
	}
	r.RawType = rawType(msg)

	switch {
	case msg.GetConversation() != "":
		r.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		r.Text = msg.GetExtendedTextMessage().GetText()
	}

	var dl whatsmeow.DownloadableMessage
	switch {
	case msg.GetAudioMessage() != nil:
		a := msg.GetAudioMessage()
		m := &classify.Media{MimeType: a.GetMimetype(), Size: int64(a.GetFileLength()), SHA256: hexHash(a.GetFileSHA256())}
		if a.GetPTT() {
			r.Voice = m
		} else {
			r.Audio = m
		}
		dl = a
	case msg.GetImageMessage() != nil:
		im := msg.GetImageMessage()
		r.Text = firstNonEmpty(r.Text, im.GetCaption())
		r.Image = &classify.Media{MimeType: im.GetMimetype(), Size: int64(im.GetFileLength()), SHA256: hexHash(im.GetFileSHA256())}
		dl = im
	case msg.GetVideoMessage() != nil:
		vi := msg.GetVideoMessage()
		r.Text = firstNonEmpty(r.Text, vi.GetCaption())
		r.Video = &classify.Media{MimeType: vi.GetMimetype(), Size: int64(vi.GetFileLength()), SHA256: hexHash(vi.GetFileSHA256())}
		dl = vi
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		r.Text = firstNonEmpty(r.Text, doc.GetCaption())
		r.Document = &classify.Media{
			MimeType: doc.GetMimetype(),
			FileName: firstNonEmpty(doc.GetFileName(), doc.GetTitle()),
			Size:     int64(doc.GetFileLength()),
			SHA256:   hexHash(doc.GetFileSHA256()),
		}
		dl = doc
	case msg.GetStickerMessage() != nil:
		st := msg.GetStickerMessage()
		r.Sticker = &classify.Sticker{Animated: st.GetIsAnimated(), MimeType: st.GetMimetype(), SHA256: hexHash(st.GetFileSHA256())}
		dl = st
	case msg.GetContactMessage() != nil:
		c := msg.GetContactMessage()
		r.Contact = &classify.Contact{Name: c.GetDisplayName(), Phone: vcardPhone(c.GetVcard())}
	case len(msg.GetContactsArrayMessage().GetContacts()) > 0:
		c := msg.GetContactsArrayMessage().GetContacts()[0]
		r.Contact = &classify.Contact{Name: c.GetDisplayName(), Phone: vcardPhone(c.GetVcard())}
	case msg.GetLocationMessage() != nil:
		l := msg.GetLocationMessage()
		r.Location = &domain.Geo{Latitude: l.GetDegreesLatitude(), Longitude: l.GetDegreesLongitude(), Name: l.GetName(), Address: l.GetAddress()}
	case msg.GetLiveLocationMessage() != nil:
		l := msg.GetLiveLocationMessage()
		r.Location = &domain.Geo{Latitude: l.GetDegreesLatitude(), Longitude: l.GetDegreesLongitude()}
	}
	return r, dl
}

// rawType names the first populated field of the message proto, e.g.
// "reactionMessage".
func rawType(msg *waE2E.Message) string {
	name := ""
	msg.ProtoReflect().Range(func(fd protoreflect.FieldDescriptor, _ protoreflect.Value) bool {
		if fd.Name() == "messageContextInfo" {
			return true
		}
		name = string(fd.Name())
		return false
	})
	return name
}

func hexHash(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// vcardPhone returns the first TEL value of a vCard.
func vcardPhone(vcard string) string {
	for line := range strings.SplitSeq(vcard, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "TEL") {
			continue
		}
		if i := strings.LastIndexByte(line, ':'); i >= 0 {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return ""
}

// namer resolves a JID to a display name, or "" when unknown.
type namer func(types.JID) string

func names(jids []types.JID, name namer) []string {
	out := make([]string, 0, len(jids))
	for _, j := range jids {
		out = append(out, name(j))
	}
	return out
}

// systemEvent is one rendered group change.
type systemEvent struct {
	nativeID string
	action   classify.Action
}

// groupActions turns a group change notification into system events.
// Native ids are derived from the notification so replays are idempotent.
func groupActions(v *events.GroupInfo, name namer) []systemEvent {
	actor := ""
	var actorJID types.JID
	if v.Sender != nil {
		actorJID = v.Sender.ToNonAD()
		actor = name(actorJID)
	}
	ts := v.Timestamp.Unix()
	id := func(kind classify.ActionKind) string { return fmt.Sprintf("sys-%d-%s", ts, kind) }

	var out []systemEvent
	if v.Name != nil {
		out = append(out, systemEvent{id(classify.ActionTitle), classify.Action{Kind: classify.ActionTitle, Actor: actor, Title: v.Name.Name}})
	}
	if len(v.Join) > 0 {
		if v.Sender == nil || (len(v.Join) == 1 && v.Join[0].ToNonAD() == actorJID) {
			out = append(out, systemEvent{id(classify.ActionJoin), classify.Action{Kind: classify.ActionJoin, Actor: name(v.Join[0].ToNonAD())}})
		} else {
			out = append(out, systemEvent{id(classify.ActionAdd), classify.Action{Kind: classify.ActionAdd, Actor: actor, Targets: names(v.Join, name)}})
		}
	}
	if len(v.Leave) > 0 {
		if v.Sender == nil || (len(v.Leave) == 1 && v.Leave[0].ToNonAD() == actorJID) {
			out = append(out, systemEvent{id(classify.ActionLeave), classify.Action{Kind: classify.ActionLeave, Actor: name(v.Leave[0].ToNonAD())}})
		} else {
			out = append(out, systemEvent{id(classify.ActionRemove), classify.Action{Kind: classify.ActionRemove, Actor: actor, Targets: names(v.Leave, name)}})
		}
	}
	return out
}

// pictureAction renders a group photo change.
func pictureAction(v *events.Picture, name namer) systemEvent {
	kind := classify.ActionPhoto
	if v.Remove {
		kind = classify.ActionPhotoRemoved
	}
	return systemEvent{
		nativeID: fmt.Sprintf("sys-%d-%s", v.Timestamp.Unix(), kind),
		action:   classify.Action{Kind: kind, Actor: name(v.Author.ToNonAD())},
	}
}
