package classify

import "github.com/soyeahso/unibox/internal/domain"

// Message builds the canonical ChatMessage for raw. The same raw input
// always yields an identical message.
func Message(r Raw) (domain.ChatMessage, Result) {
	res := Classify(r)

	status := r.Status
	if status == "" {
		status = domain.StatusReceived
		if r.IsOwn {
			status = domain.StatusSent
		}
	}

	msg := domain.ChatMessage{
		ID:         domain.CanonicalID(r.Platform, r.AccountID, r.NativeID),
		ChatID:     r.ChatID,
		Sender:     r.Sender,
		SenderName: r.SenderName,
		Content:    res.Content,
		Timestamp:  r.Timestamp.UTC(),
		IsOwn:      r.IsOwn,
		Type:       res.Type,
		Status:     status,
	}
	if msg.SenderName == "" {
		msg.SenderName = msg.Sender
	}
	if res.Media != nil {
		msg.FileName = res.Media.FileName
		msg.FileHash = res.Media.KnownHash
	}
	if res.Type == domain.TypeLocation && r.Location != nil {
		geo := *r.Location
		msg.Geo = &geo
	}
	return msg, res
}
