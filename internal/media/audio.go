package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
	"github.com/ssd-technologies/nimbus/internal/storage"
)

// Audio transcodes the audio track of audio and video files.
type Audio struct {
	base
	kind string
}

// NewMP3 builds mono 64k MP3 files.
func NewMP3(run command.Runner, tools config.Tools) *Audio {
	return &Audio{base: base{run: run, tools: tools}, kind: KindMP3}
}

// NewOGG builds mono 64k Vorbis files.
func NewOGG(run command.Runner, tools config.Tools) *Audio {
	return &Audio{base: base{run: run, tools: tools}, kind: KindOGG}
}

func (a *Audio) Kind() string { return a.kind }

// Accepts audio files and the soundtrack of video files.
func (a *Audio) Accepts(mimetype string) bool {
	return strings.HasPrefix(mimetype, "audio/") || strings.HasPrefix(mimetype, "video/")
}

// Build writes the transcoded track to dest.
func (a *Audio) Build(ctx context.Context, src storage.Source, dest string) (string, error) {
	args := []string{"-loglevel", "quiet", "-threads", "1", "-i", src.Path, "-map", "a"}
	var mimetype string
	switch a.kind {
	case KindMP3:
		args = append(args, "-f", "mp3", "-ab", "64k", "-ar", "44100", "-ac", "1")
		mimetype = "audio/mpeg"
	case KindOGG:
		args = append(args, "-f", "ogg", "-ab", "64k", "-ar", "44100", "-ac", "1", "-acodec", "libvorbis")
		mimetype = "audio/ogg"
	default:
		return "", fmt.Errorf("unknown audio format %q", a.kind)
	}
	args = append(args, dest)

	if _, err := a.run.Run(ctx, a.tools.FFmpeg, args...); err != nil {
		return "", fmt.Errorf("transcode %s: %w", a.kind, err)
	}
	if err := requireOutput(a.tools.FFmpeg, dest); err != nil {
		return "", err
	}
	return mimetype, nil
}
