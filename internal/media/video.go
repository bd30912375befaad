package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
	"github.com/ssd-technologies/nimbus/internal/storage"
)

// Video transcodes video files for browser playback.
type Video struct {
	base
	kind string
}

// NewMP4 builds baseline H.264 files.
func NewMP4(run command.Runner, tools config.Tools) *Video {
	return &Video{base: base{run: run, tools: tools}, kind: KindMP4}
}

// NewWebM builds VP8/Vorbis files.
func NewWebM(run command.Runner, tools config.Tools) *Video {
	return &Video{base: base{run: run, tools: tools}, kind: KindWebM}
}

func (v *Video) Kind() string { return v.kind }

func (v *Video) Accepts(mimetype string) bool {
	return strings.HasPrefix(mimetype, "video/")
}

// Build writes the transcoded video to dest, straightening rotated
// recordings.
func (v *Video) Build(ctx context.Context, src storage.Source, dest string) (string, error) {
	args := []string{"-loglevel", "quiet", "-threads", "1", "-i", src.Path}
	if filter := rotationFilter(v.rotation(ctx, src.Path)); filter != "" {
		args = append(args, "-vf", filter)
	}

	var mimetype string
	switch v.kind {
	case KindMP4:
		args = append(args, "-f", "mp4", "-vcodec", "libx264", "-preset", "slow",
			"-profile:v", "baseline", "-map_metadata", "-1",
			"-b", "640k", "-ab", "64k", "-ar", "44100", "-ac", "1")
		mimetype = "video/mp4"
	case KindWebM:
		args = append(args, "-f", "webm", "-vcodec", "libvpx", "-map_metadata", "-1",
			"-acodec", "libvorbis", "-b", "640k", "-ab", "64k", "-ar", "44100", "-ac", "1")
		mimetype = "video/webm"
	default:
		return "", fmt.Errorf("unknown video format %q", v.kind)
	}
	args = append(args, dest)

	if _, err := v.run.Run(ctx, v.tools.FFmpeg, args...); err != nil {
		return "", fmt.Errorf("transcode %s: %w", v.kind, err)
	}
	if err := requireOutput(v.tools.FFmpeg, dest); err != nil {
		return "", err
	}
	return mimetype, nil
}
