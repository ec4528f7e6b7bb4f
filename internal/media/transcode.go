package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/soyeahso/unibox/internal/cache"
	"github.com/soyeahso/unibox/internal/classify"
	"github.com/soyeahso/unibox/internal/logging"
	"github.com/soyeahso/unibox/internal/metrics"
)

// OpusMime is the MIME type of transcoded voice notes.
const OpusMime = "audio/ogg; codecs=opus"

// Encoder converts arbitrary audio into mono 48kHz Opus in an Ogg container.
type Encoder interface {
	Encode(ctx context.Context, in []byte, bitrateKbps int) ([]byte, error)
}

// FFmpeg encodes by piping through an ffmpeg binary.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) Encode(ctx context.Context, in []byte, bitrateKbps int) ([]byte, error) {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn", "-ac", "1", "-ar", "48000",
		"-c:a", "libopus", "-b:a", strconv.Itoa(bitrateKbps)+"k",
		"-f", "ogg", "pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// Transcoder turns voice recordings into Opus-in-Ogg. Output is cached by
// the sha256 of the input, in memory and on disk.
type Transcoder struct {
	enc     Encoder
	dir     string
	bitrate int
	mem     *cache.TTL[string, []byte]
	group   singleflight.Group
	log     *logging.Logger
}

// NewTranscoder creates a transcoder caching under dir.
func NewTranscoder(enc Encoder, dir string, bitrateKbps int, log *logging.Logger) (*Transcoder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating transcode cache: %w", err)
	}
	if bitrateKbps <= 0 {
		bitrateKbps = 64
	}
	return &Transcoder{
		enc:     enc,
		dir:     dir,
		bitrate: bitrateKbps,
		mem:     cache.NewTTL[string, []byte](time.Hour, cache.WithJanitor(10*time.Minute)),
		log:     log.Sub("transcode"),
	}, nil
}

// Close releases the in-memory cache.
func (t *Transcoder) Close() { t.mem.Close() }

// IsOggOpus sniffs an Ogg page header followed by an OpusHead packet.
func IsOggOpus(data []byte) bool {
	if len(data) < 36 || !bytes.HasPrefix(data, []byte("OggS")) {
		return false
	}
	head := data[:min(len(data), 128)]
	return bytes.Contains(head, []byte("OpusHead"))
}

// ToVoice returns data as Opus-in-Ogg, encoding only when needed.
func (t *Transcoder) ToVoice(ctx context.Context, data []byte, mimeType string) ([]byte, string, error) {
	m := metrics.Default()
	if IsOggOpus(data) {
		m.Transcodes.WithLabelValues("passthrough").Inc()
		return data, OpusMime, nil
	}

	key := HashBytes(data)
	if out, ok := t.mem.Get(key); ok {
		m.Transcodes.WithLabelValues("cached").Inc()
		return out, OpusMime, nil
	}

	res, err, _ := t.group.Do(key, func() (any, error) {
		path := filepath.Join(t.dir, key+".ogg")
		if out, err := os.ReadFile(path); err == nil && len(out) > 0 {
			t.mem.Set(key, out)
			m.Transcodes.WithLabelValues("cached").Inc()
			return out, nil
		}

		start := time.Now()
		out, err := t.enc.Encode(ctx, data, t.bitrate)
		if err != nil {
			m.Transcodes.WithLabelValues("failed").Inc()
			return nil, err
		}
		m.Transcodes.WithLabelValues("encoded").Inc()
		t.log.Debug().
			Str("input", classify.BaseMime(mimeType)).
			Int("in", len(data)).
			Int("out", len(out)).
			Dur("took", time.Since(start)).
			Msg("voice transcoded")

		if err := writeAtomic(path, out); err != nil {
			t.log.Warn().Err(err).Msg("failed to persist transcode")
		}
		t.mem.Set(key, out)
		return out, nil
	})
	if err != nil {
		return nil, "", err
	}
	return res.([]byte), OpusMime, nil
}
