package classify

import (
	"path/filepath"
	"strings"

	"github.com/soyeahso/unibox/internal/domain"
)

var mimeExt = map[string]string{
	"audio/ogg":                "ogg",
	"audio/opus":               "ogg",
	"audio/mpeg":               "mp3",
	"audio/mp3":                "mp3",
	"audio/mp4":                "m4a",
	"audio/x-m4a":              "m4a",
	"audio/aac":                "aac",
	"audio/wav":                "wav",
	"audio/x-wav":              "wav",
	"audio/webm":               "webm",
	"audio/flac":               "flac",
	"image/jpeg":               "jpg",
	"image/jpg":                "jpg",
	"image/png":                "png",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/heic":               "heic",
	"video/mp4":                "mp4",
	"video/quicktime":          "mov",
	"video/webm":               "webm",
	"video/3gpp":               "3gp",
	"application/pdf":          "pdf",
	"application/zip":          "zip",
	"application/x-tgsticker":  "tgs",
	"application/json":         "json",
	"application/msword":       "doc",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       "xlsx",
	"text/plain": "txt",
	"text/csv":   "csv",
}

var defaultExt = map[domain.MessageType]string{
	domain.TypeVoice:    "ogg",
	domain.TypeAudio:    "mp3",
	domain.TypePhoto:    "jpg",
	domain.TypeVideo:    "mp4",
	domain.TypeDocument: "bin",
	domain.TypeSticker:  "webp",
}

// BaseMime strips parameters such as "; codecs=opus".
func BaseMime(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// ExtensionForMime returns the known extension for a MIME type, or "".
func ExtensionForMime(mime string) string {
	return mimeExt[BaseMime(mime)]
}

// Extension resolves a file extension: MIME map first, then the original
// file name, then the per-type default.
func Extension(t domain.MessageType, mime, fileName string) string {
	if ext := ExtensionForMime(mime); ext != "" {
		return ext
	}
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), "."); ext != "" && isSafeExt(ext) {
		return ext
	}
	if ext, ok := defaultExt[t]; ok {
		return ext
	}
	return "bin"
}

func isSafeExt(ext string) bool {
	if len(ext) > 8 {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func stickerExt(s *Sticker) string {
	if !s.Animated {
		return "webp"
	}
	switch BaseMime(s.MimeType) {
	case "video/webm":
		return "webm"
	case "image/webp":
		return "webp"
	default:
		return "tgs"
	}
}
