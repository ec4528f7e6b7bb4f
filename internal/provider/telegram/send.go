package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/provider"
)

// SendMessage sends text or one attachment and records the sent message.
// A client that does not connect in time yields an unsuccessful result.
func (p *Provider) SendMessage(ctx context.Context, chatID string, req domain.SendRequest) (domain.SendResult, error) {
	return provider.SendOutcome(p.send(ctx, chatID, req))
}

func (p *Provider) send(ctx context.Context, chatID string, req domain.SendRequest) (domain.SendResult, error) {
	if req.Content == "" && req.Attachment == nil {
		return domain.SendResult{}, domain.ErrEmptyMessage
	}
	_, acct, _, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		return domain.SendResult{}, err
	}
	if !p.AwaitReady(ctx, p.ready(acct)) {
		return domain.SendResult{}, domain.ErrNotReady
	}
	c, _, peer, err := p.resolve(ctx, chatID)
	if err != nil {
		return domain.SendResult{}, err
	}

	t := provider.OutboundType(req)
	randomID := rand.Int64()
	var (
		upd  tg.UpdatesClass
		data []byte
		mime string
	)
	if req.Attachment == nil {
		err = p.Call(ctx, acct, "send", func(ctx context.Context) error {
			var err error
			upd, err = c.conn.API().MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
				Peer:     peer,
				Message:  req.Content,
				RandomID: randomID,
			})
			return mapError(chatID, err)
		})
	} else {
		data, mime = req.Attachment.Data, req.Attachment.MimeType
		if t == domain.TypeVoice && p.Transcoder != nil {
			data, mime, err = p.Transcoder.ToVoice(ctx, data, mime)
			if err != nil {
				return domain.SendResult{}, fmt.Errorf("transcoding voice note: %w", err)
			}
		}
		var file tg.InputFileClass
		err = p.Call(ctx, acct, "upload", func(ctx context.Context) error {
			var err error
			file, err = c.conn.Upload(ctx, uploadName(req), data)
			return mapError(chatID, err)
		})
		if err != nil {
			return domain.SendResult{}, err
		}
		err = p.Call(ctx, acct, "send_media", func(ctx context.Context) error {
			var err error
			upd, err = c.conn.API().MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
				Peer:     peer,
				Media:    inputMedia(t, file, req.Attachment.FileName, mime),
				Message:  req.Content,
				RandomID: randomID,
			})
			return mapError(chatID, err)
		})
	}
	if err != nil {
		return domain.SendResult{}, err
	}

	id, date := sentMessage(upd, randomID)
	at := time.Now()
	if date > 0 {
		at = time.Unix(int64(date), 0)
	}
	_, _, native, _ := domain.ParseCanonicalID(chatID)
	peerRef, _ := parsePeer(native)
	chat := c.peers.chatInfo(acct, peerRef)
	if stored, ok, err := p.Store.GetChat(ctx, chatID); err == nil && ok {
		chat = stored
	}

	var sender string
	if self := c.self.Load(); self != nil {
		sender = strconv.FormatInt(self.ID, 10)
	}
	raw := provider.OutboundRaw(platform, acct, chatID, nativeMessageID(peerRef, id), sender, req, t, mime, at)
	return p.RecordOutbound(ctx, raw, chat, data), nil
}

func uploadName(req domain.SendRequest) string {
	if req.Attachment.FileName != "" {
		return req.Attachment.FileName
	}
	return "file"
}

func inputMedia(t domain.MessageType, file tg.InputFileClass, name, mime string) tg.InputMediaClass {
	if t == domain.TypePhoto {
		return &tg.InputMediaUploadedPhoto{File: file}
	}
	doc := &tg.InputMediaUploadedDocument{File: file, MimeType: mime}
	if name != "" {
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeFilename{FileName: name})
	}
	switch t {
	case domain.TypeVoice:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeAudio{Voice: true})
	case domain.TypeAudio:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeAudio{})
	case domain.TypeVideo:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeVideo{SupportsStreaming: true})
	case domain.TypeSticker:
		doc.Attributes = append(doc.Attributes, &tg.DocumentAttributeSticker{Stickerset: &tg.InputStickerSetEmpty{}})
	case domain.TypeDocument:
		doc.ForceFile = true
	}
	return doc
}

// sentMessage finds the id and date of the message created by a send.
func sentMessage(upd tg.UpdatesClass, randomID int64) (id, date int) {
	var list []tg.UpdateClass
	switch u := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID, u.Date
	case *tg.Updates:
		list, date = u.Updates, u.Date
	case *tg.UpdatesCombined:
		list, date = u.Updates, u.Date
	}
	for _, up := range list {
		switch up := up.(type) {
		case *tg.UpdateMessageID:
			if up.RandomID == randomID {
				id = up.ID
			}
		case *tg.UpdateNewMessage:
			if m, ok := up.Message.(*tg.Message); ok && id == 0 {
				id, date = m.ID, m.Date
			}
		case *tg.UpdateNewChannelMessage:
			if m, ok := up.Message.(*tg.Message); ok && id == 0 {
				id, date = m.ID, m.Date
			}
		}
	}
	return id, date
}

// isAuthError reports errors meaning the session was revoked.
func isAuthError(err error) bool {
	return tgerr.Is(err, "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED", "USER_DEACTIVATED_BAN")
}

// mapError translates MTProto RPC errors into domain errors.
func mapError(chatID string, err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &domain.RateLimitError{RetryAfterSeconds: int(d / time.Second), Err: err}
	}
	switch {
	case isAuthError(err):
		return fmt.Errorf("%w: %v", domain.ErrNotReady, err)
	case tgerr.Is(err, "PEER_ID_INVALID", "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHAT_ID_INVALID", "CHANNEL_INVALID", "MSG_ID_INVALID"):
		return &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerNotFound, Err: err}
	case tgerr.Is(err, "USER_DEACTIVATED", "INPUT_USER_DEACTIVATED", "USER_DELETED", "CHAT_DEACTIVATED"):
		return &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerDeactivated, Err: err}
	case tgerr.Is(err, "CHAT_WRITE_FORBIDDEN", "CHAT_ADMIN_REQUIRED", "USER_IS_BLOCKED", "YOU_BLOCKED_USER",
		"USER_BANNED_IN_CHANNEL", "CHANNEL_PRIVATE", "CHAT_SEND_MEDIA_FORBIDDEN", "CHAT_RESTRICTED", "USER_PRIVACY_RESTRICTED"):
		return &domain.TargetError{ChatID: chatID, Reason: domain.TargetWriteForbidden, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domain.ErrNotReady, err)
	}
	return err
}
