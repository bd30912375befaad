// Package media holds the artifact builders that shell out to external
// converters: audio and video transcodes, PDF page rendering and previews.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
)

// base carries what every builder needs to run a converter.
type base struct {
	run   command.Runner
	tools config.Tools
}

// mediaInfo runs mediainfo with an --Inform template and returns the trimmed
// output.
func (b base) mediaInfo(ctx context.Context, path, inform string) (string, error) {
	out, err := b.run.Run(ctx, b.tools.MediaInfo, "--Inform="+inform, path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// rotation returns the video rotation in degrees. Unknown is 0.
func (b base) rotation(ctx context.Context, path string) int {
	out, err := b.mediaInfo(ctx, path, "Video;%Rotation%")
	if err != nil {
		return 0
	}
	f, err := strconv.ParseFloat(out, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// rotationFilter maps a rotation to the ffmpeg filter undoing it.
func rotationFilter(rotation int) string {
	switch rotation {
	case 90:
		return "transpose=0,hflip"
	case 180:
		return "vflip,hflip"
	case 270:
		return "transpose=0,vflip"
	}
	return ""
}

// requireOutput checks that a converter actually wrote path.
func requireOutput(program, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s produced no output", filepath.Base(program))
	}
	if info.Mode().IsRegular() && info.Size() == 0 {
		return fmt.Errorf("%s produced an empty file", filepath.Base(program))
	}
	return nil
}

// IsPDFCompatible reports whether a mimetype can be rendered as PDF pages,
// directly or after conversion.
func IsPDFCompatible(mimetype string) bool {
	switch mimetype {
	case "application/pdf",
		"application/vnd.oasis.opendocument.text",
		"application/vnd.oasis.opendocument.presentation",
		"application/vnd.oasis.opendocument.graphics",
		"application/vnd.sun.xml.writer",
		"application/vnd.ms-powerpoint",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"text/richtext":
		return true
	}
	return false
}

// SelectFormat picks the transcode served to a client: an explicit format
// wins, otherwise Firefox and Opera get the open format and everyone else
// the default one.
func SelectFormat(format, userAgent, fallback, open string) string {
	if format != "" {
		return format
	}
	if strings.Contains(userAgent, "Firefox/") || strings.Contains(userAgent, "Opera/") {
		return open
	}
	return fallback
}

// Kinds of artifacts built by this package.
const (
	KindMP3     = "mp3"
	KindOGG     = "ogg"
	KindMP4     = "mp4"
	KindWebM    = "webm"
	KindPDF     = "pdf"
	KindPreview = "preview"
)
