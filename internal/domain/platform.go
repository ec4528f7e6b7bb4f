package domain

import (
	"fmt"
	"strings"
)

// Platform identifies a messaging network.
type Platform string

const (
	PlatformWhatsApp Platform = "whatsapp"
	PlatformTelegram Platform = "telegram"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformWhatsApp, PlatformTelegram}

// Code returns the short platform prefix used in canonical ids and media paths.
func (p Platform) Code() string {
	switch p {
	case PlatformWhatsApp:
		return "wa"
	case PlatformTelegram:
		return "tg"
	default:
		return string(p)
	}
}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformWhatsApp || p == PlatformTelegram
}

// PlatformFromCode resolves a short code ("wa", "tg") or a full name.
func PlatformFromCode(code string) (Platform, error) {
	switch code {
	case "wa", string(PlatformWhatsApp):
		return PlatformWhatsApp, nil
	case "tg", string(PlatformTelegram):
		return PlatformTelegram, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, code)
	}
}

// CanonicalID builds "<code>:<accountId>:<nativeId>". Used for both message
// and chat ids; the result is deterministic so reprocessing is idempotent.
func CanonicalID(p Platform, accountID, nativeID string) string {
	return p.Code() + ":" + accountID + ":" + nativeID
}

// ParseCanonicalID splits a canonical chat or message id.
func ParseCanonicalID(id string) (Platform, string, string, error) {
	parts := strings.SplitN(id, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidChatID, id)
	}
	p, err := PlatformFromCode(parts[0])
	if err != nil {
		return "", "", "", err
	}
	return p, parts[1], parts[2], nil
}

// PeerGroupID is the cross-account key for a one-to-one conversation.
func PeerGroupID(p Platform, nativeID string) string {
	return p.Code() + ":peer:" + nativeID
}

// GroupGroupID is the cross-account key for a group or channel.
func GroupGroupID(p Platform, nativeID string) string {
	return p.Code() + ":gid:" + nativeID
}

var pathUnsafe = strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")

// MediaURL is the retrieval path for a media message:
// "/media/<code>/<accountId>/<type>/<nativeId>.<ext>".
func MediaURL(p Platform, accountID string, t MessageType, nativeID, ext string) string {
	return "/media/" + MediaRelPath(p, accountID, t, nativeID, ext)
}

// MediaRelPath is MediaURL without the "/media/" prefix, used as the path
// under the media root.
func MediaRelPath(p Platform, accountID string, t MessageType, nativeID, ext string) string {
	name := pathUnsafe.Replace(nativeID)
	if ext != "" {
		name += "." + ext
	}
	return p.Code() + "/" + pathUnsafe.Replace(accountID) + "/" + string(t) + "/" + name
}
