package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"github.com/soyeahso/unibox/internal/classify"
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
	pl, acct, native, err := domain.ParseCanonicalID(chatID)
	if err != nil {
		return domain.SendResult{}, err
	}
	if pl != platform {
		return domain.SendResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedPlatform, pl)
	}
	to, err := types.ParseJID(native)
	if err != nil {
		return domain.SendResult{}, &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerNotFound, Err: err}
	}
	if !p.AwaitReady(ctx, p.ready(acct)) {
		return domain.SendResult{}, domain.ErrNotReady
	}
	c, ok := p.live(acct)
	if !ok {
		return domain.SendResult{}, domain.ErrNotReady
	}

	t := provider.OutboundType(req)
	var (
		msg  *waE2E.Message
		data []byte
		mime string
	)
	if req.Attachment != nil {
		data, mime = req.Attachment.Data, req.Attachment.MimeType
		if t == domain.TypeVoice && p.Transcoder != nil {
			data, mime, err = p.Transcoder.ToVoice(ctx, data, mime)
			if err != nil {
				return domain.SendResult{}, fmt.Errorf("transcoding voice note: %w", err)
			}
		}
		var up whatsmeow.UploadResponse
		err = p.Call(ctx, acct, "upload", func(ctx context.Context) error {
			var err error
			up, err = c.client.Upload(ctx, data, mediaTypeFor(t))
			return mapError(chatID, err)
		})
		if err != nil {
			return domain.SendResult{}, err
		}
		msg = mediaMessage(t, up, req, mime)
	} else {
		msg = &waE2E.Message{Conversation: proto.String(req.Content)}
	}

	var resp whatsmeow.SendResponse
	err = p.Call(ctx, acct, "send", func(ctx context.Context) error {
		var err error
		resp, err = c.client.SendMessage(ctx, to, msg)
		return mapError(chatID, err)
	})
	if err != nil {
		return domain.SendResult{}, err
	}

	at := resp.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	chat := chatInfo(acct, to, "")
	if stored, ok, err := p.Store.GetChat(ctx, chatID); err == nil && ok {
		chat = stored
	}
	raw := provider.OutboundRaw(platform, acct, chatID, string(resp.ID), c.client.OwnJID().String(), req, t, mime, at)
	return p.RecordOutbound(ctx, raw, chat, data), nil
}

func mediaTypeFor(t domain.MessageType) whatsmeow.MediaType {
	switch t {
	case domain.TypePhoto, domain.TypeSticker:
		return whatsmeow.MediaImage
	case domain.TypeVideo:
		return whatsmeow.MediaVideo
	case domain.TypeVoice, domain.TypeAudio:
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

func mediaMessage(t domain.MessageType, up whatsmeow.UploadResponse, req domain.SendRequest, mime string) *waE2E.Message {
	size := proto.Uint64(up.FileLength)
	mime = classify.BaseMime(mime)
	switch t {
	case domain.TypePhoto:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption: proto.String(req.Content), Mimetype: proto.String(mime),
			URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: size,
		}}
	case domain.TypeVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption: proto.String(req.Content), Mimetype: proto.String(mime),
			URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: size,
		}}
	case domain.TypeVoice, domain.TypeAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype: proto.String(mime), PTT: proto.Bool(t == domain.TypeVoice),
			URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: size,
		}}
	case domain.TypeSticker:
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			Mimetype: proto.String(mime),
			URL:      &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: size,
		}}
	}
	name := req.Attachment.FileName
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption: proto.String(req.Content), Mimetype: proto.String(mime),
		FileName: proto.String(name), Title: proto.String(name),
		URL: &up.URL, DirectPath: &up.DirectPath, MediaKey: up.MediaKey,
		FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: size,
	}}
}

// mapError translates whatsmeow failures into domain errors.
func mapError(chatID string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, whatsmeow.ErrIQRateOverLimit):
		return &domain.RateLimitError{Err: err}
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return fmt.Errorf("%w: %v", domain.ErrNotReady, err)
	case errors.Is(err, whatsmeow.ErrIQForbidden), errors.Is(err, whatsmeow.ErrIQNotAuthorized):
		return &domain.TargetError{ChatID: chatID, Reason: domain.TargetWriteForbidden, Err: err}
	case errors.Is(err, whatsmeow.ErrIQNotFound):
		return &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerNotFound, Err: err}
	case errors.Is(err, whatsmeow.ErrIQGone):
		return &domain.TargetError{ChatID: chatID, Reason: domain.TargetPeerDeactivated, Err: err}
	}
	return err
}
