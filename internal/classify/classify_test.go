package classify

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/unibox/internal/domain"
)

func baseRaw() Raw {
	return Raw{
		Platform:  domain.PlatformWhatsApp,
		AccountID: "A1",
		ChatID:    "wa:A1:4915@s.whatsapp.net",
		NativeID:  "123",
		Sender:    "4915@s.whatsapp.net",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)),
	}
}

func TestPTTExample(t *testing.T) {
	r := baseRaw()
	r.RawType = "ptt"
	r.Voice = &Media{MimeType: "audio/ogg; codecs=opus"}

	msg, res := Message(r)
	assert.Equal(t, "wa:A1:123", msg.ID)
	assert.Equal(t, domain.TypeVoice, msg.Type)
	assert.True(t, strings.HasPrefix(msg.Content, "/media/wa/A1/voice/123."))
	assert.Equal(t, "/media/wa/A1/voice/123.ogg", msg.Content)
	require.NotNil(t, res.Media)
	assert.Equal(t, "wa/A1/voice/123.ogg", res.Media.RelPath())
	assert.Equal(t, "wa:A1:123", res.Media.MessageID)
}

func TestClassifyIsIdempotent(t *testing.T) {
	r := baseRaw()
	r.Document = &Media{MimeType: "application/pdf", FileName: "report.pdf", SHA256: "ABCD"}

	m1, _ := Message(r)
	m2, _ := Message(r)
	b1, err := json.Marshal(m1)
	require.NoError(t, err)
	b2, err := json.Marshal(m2)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
	assert.Equal(t, "abcd", m1.FileHash)
	assert.Equal(t, time.UTC, m1.Timestamp.Location())
}

func TestDocumentWithVoiceAttributeIsVoice(t *testing.T) {
	r := baseRaw()
	r.Platform = domain.PlatformTelegram
	r.Document = &Media{MimeType: "audio/ogg", VoiceAttr: true, AudioAttr: true}

	res := Classify(r)
	assert.Equal(t, domain.TypeVoice, res.Type)
	assert.Equal(t, "/media/tg/A1/voice/123.ogg", res.Content)
}

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Raw)
		want domain.MessageType
	}{
		{"plain text", func(r *Raw) { r.Text = "hello" }, domain.TypeText},
		{"caption does not hide photo", func(r *Raw) { r.Text = "look"; r.Image = &Media{} }, domain.TypePhoto},
		{"voice beats image", func(r *Raw) { r.Voice = &Media{}; r.Image = &Media{} }, domain.TypeVoice},
		{"photo beats video", func(r *Raw) { r.Image = &Media{}; r.Video = &Media{} }, domain.TypePhoto},
		{"audio", func(r *Raw) { r.Audio = &Media{MimeType: "audio/mpeg"} }, domain.TypeAudio},
		{"audio with voice attr", func(r *Raw) { r.Audio = &Media{VoiceAttr: true} }, domain.TypeVoice},
		{"doc video attr", func(r *Raw) { r.Document = &Media{VideoAttr: true} }, domain.TypeVideo},
		{"doc video mime", func(r *Raw) { r.Document = &Media{MimeType: "video/mp4"} }, domain.TypeVideo},
		{"doc audio mime", func(r *Raw) { r.Document = &Media{MimeType: "audio/mpeg"} }, domain.TypeAudio},
		{"doc image mime", func(r *Raw) { r.Document = &Media{MimeType: "image/png"} }, domain.TypePhoto},
		{"doc pdf", func(r *Raw) { r.Document = &Media{MimeType: "application/pdf"} }, domain.TypeDocument},
		{"doc webp stays document", func(r *Raw) { r.Document = &Media{MimeType: "image/webp"} }, domain.TypeDocument},
		{"sticker", func(r *Raw) { r.Sticker = &Sticker{} }, domain.TypeSticker},
		{"contact", func(r *Raw) { r.Contact = &Contact{Name: "Bob"} }, domain.TypeContact},
		{"location", func(r *Raw) { r.Location = &domain.Geo{Latitude: 1, Longitude: 2} }, domain.TypeLocation},
		{"action", func(r *Raw) { r.Action = &Action{Kind: ActionJoin, Actor: "Bob"} }, domain.TypeSystem},
		{"nothing", func(r *Raw) { r.RawType = "poll" }, domain.TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := baseRaw()
			tt.mut(&r)
			assert.Equal(t, tt.want, Classify(r).Type)
		})
	}
}

func TestUnknownEchoesRawType(t *testing.T) {
	r := baseRaw()
	r.RawType = "poll_creation"
	assert.Equal(t, "poll_creation", Classify(r).Content)

	r.RawType = ""
	assert.Equal(t, "unknown", Classify(r).Content)
}

func TestStickerExtensions(t *testing.T) {
	tests := []struct {
		sticker Sticker
		ext     string
	}{
		{Sticker{}, "webp"},
		{Sticker{Animated: true, MimeType: "application/x-tgsticker"}, "tgs"},
		{Sticker{Animated: true, MimeType: "video/webm"}, "webm"},
		{Sticker{Animated: true, MimeType: "image/webp"}, "webp"},
	}
	for _, tt := range tests {
		r := baseRaw()
		s := tt.sticker
		r.Sticker = &s
		res := Classify(r)
		require.NotNil(t, res.Media)
		assert.Equal(t, tt.ext, res.Media.Ext)
		assert.True(t, strings.HasSuffix(res.Content, "."+tt.ext))
	}
}

func TestExtensionResolution(t *testing.T) {
	assert.Equal(t, "jpg", Extension(domain.TypePhoto, "image/jpeg", "x.png"))
	assert.Equal(t, "docx", Extension(domain.TypeDocument, "application/octet-stream", "Plan.DOCX"))
	assert.Equal(t, "bin", Extension(domain.TypeDocument, "", "noext"))
	assert.Equal(t, "mp4", Extension(domain.TypeVideo, "", ""))
	assert.Equal(t, "ogg", Extension(domain.TypeVoice, "", "evil.../../x"))
	assert.Equal(t, "ogg", Extension(domain.TypeVoice, "audio/ogg; codecs=opus", ""))
}

func TestRenderAction(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{Action{Kind: ActionJoin, Actor: "Alice"}, "Alice joined the group"},
		{Action{Kind: ActionLeave, Actor: "123456789"}, "Someone left the group"},
		{Action{Kind: ActionAdd, Actor: "Alice", Targets: []string{"Bob", "+4915", "Carol"}}, "Alice added Bob, a member and Carol"},
		{Action{Kind: ActionAdd, Actor: "Alice"}, "Alice added a member"},
		{Action{Kind: ActionRemove, Actor: "", Targets: []string{"Bob"}}, "Someone removed Bob"},
		{Action{Kind: ActionTitle, Actor: "Alice", Title: "Crew"}, `Alice changed the group name to "Crew"`},
		{Action{Kind: ActionPhoto, Actor: "Alice"}, "Alice changed the group photo"},
		{Action{Kind: ActionPhotoRemoved, Actor: "Alice"}, "Alice removed the group photo"},
		{Action{Kind: ActionCreate, Actor: "Alice", Title: "Crew"}, `Alice created the group "Crew"`},
		{Action{Kind: ActionPin, Actor: "Alice"}, "Alice pinned a message"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenderAction(tt.action))
	}
}

func TestContactAndLocation(t *testing.T) {
	r := baseRaw()
	r.Contact = &Contact{Name: "Bob", Phone: "+1 555"}
	assert.Equal(t, "Bob (+1 555)", Classify(r).Content)

	r = baseRaw()
	r.Location = &domain.Geo{Latitude: 52.52, Longitude: 13.405, Name: "Berlin"}
	msg, _ := Message(r)
	assert.Equal(t, "Berlin (52.520000,13.405000)", msg.Content)
	require.NotNil(t, msg.Geo)
	assert.Equal(t, 13.405, msg.Geo.Longitude)
}

func TestMessageStatusDefaults(t *testing.T) {
	r := baseRaw()
	r.Text = "hi"
	msg, _ := Message(r)
	assert.Equal(t, domain.StatusReceived, msg.Status)
	assert.Equal(t, msg.Sender, msg.SenderName)

	r.IsOwn = true
	msg, _ = Message(r)
	assert.Equal(t, domain.StatusSent, msg.Status)

	r.Status = domain.StatusRead
	msg, _ = Message(r)
	assert.Equal(t, domain.StatusRead, msg.Status)
}
