package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/domain"
)

// converted is a platform message ready for classification. loc is set
// for downloadable media.
type converted struct {
	raw  classify.Raw
	peer tg.PeerClass
	loc  tg.InputFileLocationClass
}

// convert maps a message or service message to classifier input. ok is
// false for empty messages.
func (p *peers) convert(accountID string, m tg.MessageClass) (converted, bool) {
	switch m := m.(type) {
	case *tg.Message:
		return p.convertMessage(accountID, m), true
	case *tg.MessageService:
		return p.convertService(accountID, m), true
	}
	return converted{}, false
}

func (p *peers) base(accountID string, peer tg.PeerClass, id, date int, out bool, from tg.PeerClass) classify.Raw {
	if from == nil {
		from = peer
	}
	return classify.Raw{
		Platform:   platform,
		AccountID:  accountID,
		ChatID:     domain.CanonicalID(platform, accountID, nativePeer(peer)),
		NativeID:   nativeMessageID(peer, id),
		Sender:     nativePeer(from),
		SenderName: p.senderName(from),
		Timestamp:  time.Unix(int64(date), 0),
		IsOwn:      out,
	}
}

// nativeMessageID scopes a message id to its chat: Telegram ids are only
// unique per chat for channels.
func nativeMessageID(peer tg.PeerClass, id int) string {
	return nativePeer(peer) + "_" + strconv.Itoa(id)
}

func (p *peers) convertMessage(accountID string, m *tg.Message) converted {
	from, _ := m.GetFromID()
	c := converted{peer: m.PeerID, raw: p.base(accountID, m.PeerID, m.ID, m.Date, m.Out, from)}
	c.raw.Text = m.Message
	c.raw.RawType = "message"

	media, ok := m.GetMedia()
	if !ok {
		return c
	}
	c.raw.RawType = media.TypeName()

	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := md.Photo.(*tg.Photo)
		if !ok {
			break
		}
		c.raw.Image = &classify.Media{MimeType: "image/jpeg", Size: largestSize(photo)}
		c.loc = &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     largestType(photo),
		}
	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			break
		}
		c.loc = &tg.InputDocumentFileLocation{ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference}
		if st := stickerOf(doc); st != nil {
			c.raw.Sticker = st
			break
		}
		c.raw.Document = documentMedia(doc)
	case *tg.MessageMediaContact:
		c.raw.Contact = &classify.Contact{
			Name:  strings.TrimSpace(md.FirstName + " " + md.LastName),
			Phone: md.PhoneNumber,
		}
	case *tg.MessageMediaGeo:
		c.raw.Location = geo(md.Geo)
	case *tg.MessageMediaGeoLive:
		c.raw.Location = geo(md.Geo)
	case *tg.MessageMediaVenue:
		if g := geo(md.Geo); g != nil {
			g.Name, g.Address = md.Title, md.Address
			c.raw.Location = g
		}
	case *tg.MessageMediaWebPage:
		// Link previews are plain text messages.
		c.raw.RawType = "message"
	}
	return c
}

func geo(g tg.GeoPointClass) *domain.Geo {
	pt, ok := g.(*tg.GeoPoint)
	if !ok {
		return nil
	}
	return &domain.Geo{Latitude: pt.Lat, Longitude: pt.Long}
}

func largestType(photo *tg.Photo) string {
	t := "x"
	var best int
	for _, s := range photo.Sizes {
		if ps, ok := s.(*tg.PhotoSize); ok && ps.Size >= best {
			best, t = ps.Size, ps.Type
		}
	}
	return t
}

func largestSize(photo *tg.Photo) int64 {
	var best int
	for _, s := range photo.Sizes {
		if ps, ok := s.(*tg.PhotoSize); ok && ps.Size > best {
			best = ps.Size
		}
	}
	return int64(best)
}

func stickerOf(doc *tg.Document) *classify.Sticker {
	for _, a := range doc.Attributes {
		if st, ok := a.(*tg.DocumentAttributeSticker); ok {
			mime := classify.BaseMime(doc.MimeType)
			return &classify.Sticker{
				Animated: mime == "application/x-tgsticker" || mime == "video/webm",
				MimeType: mime,
				Emoji:    st.Alt,
			}
		}
	}
	return nil
}

func documentMedia(doc *tg.Document) *classify.Media {
	m := &classify.Media{MimeType: doc.MimeType, Size: doc.Size}
	for _, a := range doc.Attributes {
		switch a := a.(type) {
		case *tg.DocumentAttributeFilename:
			m.FileName = a.FileName
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				m.VoiceAttr = true
			} else {
				m.AudioAttr = true
			}
		case *tg.DocumentAttributeVideo:
			m.VideoAttr = true
		case *tg.DocumentAttributeImageSize:
			m.ImageAttr = true
		}
	}
	return m
}

func (p *peers) convertService(accountID string, m *tg.MessageService) converted {
	from, _ := m.GetFromID()
	c := converted{peer: m.PeerID, raw: p.base(accountID, m.PeerID, m.ID, m.Date, m.Out, from)}
	c.raw.RawType = m.Action.TypeName()

	actor := p.senderName(from)
	var fromUser int64
	if u, ok := from.(*tg.PeerUser); ok {
		fromUser = u.UserID
	}

	var a *classify.Action
	switch act := m.Action.(type) {
	case *tg.MessageActionChatAddUser:
		if len(act.Users) == 1 && act.Users[0] == fromUser {
			a = &classify.Action{Kind: classify.ActionJoin, Actor: actor}
		} else {
			a = &classify.Action{Kind: classify.ActionAdd, Actor: actor, Targets: p.userNames(act.Users)}
		}
	case *tg.MessageActionChatJoinedByLink, *tg.MessageActionChatJoinedByRequest:
		a = &classify.Action{Kind: classify.ActionJoin, Actor: actor}
	case *tg.MessageActionChatDeleteUser:
		if act.UserID == fromUser {
			a = &classify.Action{Kind: classify.ActionLeave, Actor: actor}
		} else {
			a = &classify.Action{Kind: classify.ActionRemove, Actor: actor, Targets: p.userNames([]int64{act.UserID})}
		}
	case *tg.MessageActionChatEditTitle:
		a = &classify.Action{Kind: classify.ActionTitle, Actor: actor, Title: act.Title}
	case *tg.MessageActionChatEditPhoto:
		a = &classify.Action{Kind: classify.ActionPhoto, Actor: actor}
	case *tg.MessageActionChatDeletePhoto:
		a = &classify.Action{Kind: classify.ActionPhotoRemoved, Actor: actor}
	case *tg.MessageActionChatCreate:
		a = &classify.Action{Kind: classify.ActionCreate, Actor: actor, Title: act.Title}
	case *tg.MessageActionChannelCreate:
		a = &classify.Action{Kind: classify.ActionCreate, Actor: actor, Title: act.Title}
	case *tg.MessageActionPinMessage:
		a = &classify.Action{Kind: classify.ActionPin, Actor: actor}
	}
	c.raw.Action = a
	return c
}
