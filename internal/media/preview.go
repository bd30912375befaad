package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
	"github.com/ssd-technologies/nimbus/internal/storage"
)

// maxTextPreview is the largest text file rendered as a preview.
const maxTextPreview = 50000

// ErrTooLarge is returned for text files over the preview limit.
var ErrTooLarge = errors.New("file too large for a preview")

// Screenshotter captures a web page and returns the path of a PNG image.
type Screenshotter interface {
	Capture(ctx context.Context, url string) (string, error)
}

// previewer renders one family of mimetypes into a bounded image at dest.
type previewer func(ctx context.Context, src storage.Source, dest string) (string, error)

// Preview builds bounded thumbnails for images, videos, audio covers,
// documents, plain text and links.
type Preview struct {
	base
	width, height int
	shots         Screenshotter
}

// NewPreview creates the preview builder. shots may be nil, in which case
// links get no preview.
func NewPreview(run command.Runner, tools config.Tools, size config.Preview, shots Screenshotter) *Preview {
	return &Preview{
		base:   base{run: run, tools: tools},
		width:  size.Width,
		height: size.Height,
		shots:  shots,
	}
}

func (p *Preview) Kind() string { return KindPreview }

func (p *Preview) Accepts(mimetype string) bool {
	return p.strategy(mimetype) != nil
}

// strategy picks the previewer for a mimetype, nil when there is none.
func (p *Preview) strategy(mimetype string) previewer {
	switch {
	case strings.HasPrefix(mimetype, "image/"):
		return p.image
	case strings.HasPrefix(mimetype, "video/"):
		return p.videoFrame
	case strings.HasPrefix(mimetype, "audio/"):
		return p.audioCover
	case IsPDFCompatible(mimetype):
		return p.firstPage
	case mimetype == "text/plain":
		return p.text
	case mimetype == "text/uri-list" && p.shots != nil:
		return p.link
	}
	return nil
}

// Build dispatches to the previewer for the source mimetype.
func (p *Preview) Build(ctx context.Context, src storage.Source, dest string) (string, error) {
	fn := p.strategy(src.Mimetype)
	if fn == nil {
		return "", fmt.Errorf("no preview for %s", src.Mimetype)
	}
	mimetype, err := fn(ctx, src, dest)
	if err != nil {
		return "", err
	}
	if err := requireOutput(p.tools.Convert, dest); err != nil {
		return "", err
	}
	return mimetype, nil
}

func (p *Preview) bounds() string {
	return strconv.Itoa(p.width) + "x" + strconv.Itoa(p.height)
}

// resize shrinks an image to the preview bounds. Transparent output stays
// PNG, everything else becomes JPEG.
func (p *Preview) resize(ctx context.Context, input string, transparent bool, dest string) (string, error) {
	args := []string{input, "-auto-orient", "-strip", "-resize", p.bounds() + ">"}
	out := "image/jpeg"
	if transparent {
		args = append(args, "png:"+dest)
		out = "image/png"
	} else {
		args = append(args, "-quality", "80", "jpeg:"+dest)
	}
	if _, err := p.run.Run(ctx, p.tools.Convert, args...); err != nil {
		return "", fmt.Errorf("resize image: %w", err)
	}
	return out, nil
}

func (p *Preview) image(ctx context.Context, src storage.Source, dest string) (string, error) {
	input := src.Path + "[0]"
	switch src.Mimetype {
	case "image/png":
		input = "png:" + input
	case "image/x-tga":
		input = "tga:" + input
	}
	transparent := src.Mimetype == "image/png" || src.Mimetype == "image/x-tga" || src.Mimetype == "image/svg+xml"
	return p.resize(ctx, input, transparent, dest)
}

// frameOffset is where in a video the preview frame is taken, in seconds.
func frameOffset(duration float64) int {
	switch {
	case duration < 5:
		return 0
	case duration < 10:
		return 4
	case duration < 20:
		return 8
	case duration < 30:
		return 19
	}
	return 20
}

// fitSize scales w by h into the bounds keeping the aspect ratio.
func fitSize(w, h float64, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return maxW, maxH
	}
	scaleW, scaleH := float64(maxW), float64(maxH)
	if w/h > scaleW/scaleH {
		scaleH = math.Round(scaleW / (w / h))
	} else {
		scaleW = math.Round(scaleH * (w / h))
	}
	return max(int(scaleW), 1), max(int(scaleH), 1)
}

func (p *Preview) videoFrame(ctx context.Context, src storage.Source, dest string) (string, error) {
	var duration float64
	if out, err := p.mediaInfo(ctx, src.Path, "General;%Duration%"); err == nil {
		if ms, err := strconv.ParseFloat(out, 64); err == nil {
			duration = ms / 1000
		}
	}
	var w, h float64
	if out, err := p.mediaInfo(ctx, src.Path, "Video;%Width%:%Height%"); err == nil {
		ws, hs, _ := strings.Cut(out, ":")
		w, _ = strconv.ParseFloat(ws, 64)
		h, _ = strconv.ParseFloat(hs, 64)
	}

	args := []string{"-loglevel", "quiet", "-ss", strconv.Itoa(frameOffset(duration)), "-i", src.Path}
	rotation := p.rotation(ctx, src.Path)
	if filter := rotationFilter(rotation); filter != "" {
		args = append(args, "-vf", filter)
	}
	if rotation == 90 || rotation == 270 {
		w, h = h, w
	}
	sw, sh := fitSize(w, h, p.width, p.height)
	args = append(args, "-s", fmt.Sprintf("%dx%d", sw, sh),
		"-vframes", "1", "-f", "image2", "-vcodec", "mjpeg", dest)

	if _, err := p.run.Run(ctx, p.tools.FFmpeg, args...); err != nil {
		return "", fmt.Errorf("extract frame: %w", err)
	}
	return "image/jpeg", nil
}

func (p *Preview) audioCover(ctx context.Context, src storage.Source, dest string) (string, error) {
	cover := dest + ".cover"
	defer os.Remove(cover)
	if _, err := p.run.Run(ctx, p.tools.FFmpeg,
		"-loglevel", "quiet", "-i", src.Path, "-an", "-vcodec", "copy", "-f", "image2", cover); err != nil {
		return "", fmt.Errorf("extract cover: %w", err)
	}
	if err := requireOutput(p.tools.FFmpeg, cover); err != nil {
		return "", err
	}
	return p.resize(ctx, cover+"[0]", false, dest)
}

func (p *Preview) firstPage(ctx context.Context, src storage.Source, dest string) (string, error) {
	pdfPath := src.Path
	if src.Mimetype != "application/pdf" {
		pdfPath = dest + ".pdf"
		defer os.Remove(pdfPath)
		if _, err := p.run.Run(ctx, p.tools.Unoconv, "-n", "--output", pdfPath, "-f", "pdf", src.Path); err != nil {
			return "", fmt.Errorf("convert to pdf: %w", err)
		}
	}
	prefix := dest + ".page"
	defer os.Remove(prefix + ".jpg")
	if _, err := p.run.Run(ctx, p.tools.PdfToPpm,
		"-f", "1", "-l", "1", "-singlefile", "-jpeg",
		"-scale-to", strconv.Itoa(min(p.width, p.height)), pdfPath, prefix); err != nil {
		return "", fmt.Errorf("render first page: %w", err)
	}
	if err := os.Rename(prefix+".jpg", dest); err != nil {
		return "", fmt.Errorf("pdftoppm produced no page: %w", err)
	}
	return "image/jpeg", nil
}

func (p *Preview) text(ctx context.Context, src storage.Source, dest string) (string, error) {
	if src.Size > maxTextPreview {
		return "", ErrTooLarge
	}
	if _, err := p.run.Run(ctx, p.tools.Convert,
		"-density", "120", "-pointsize", "50", "-thumbnail", p.bounds(),
		"text:"+src.Path+"[0]", "png:"+dest); err != nil {
		return "", fmt.Errorf("render text: %w", err)
	}
	return "image/png", nil
}

func (p *Preview) link(ctx context.Context, src storage.Source, dest string) (string, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return "", fmt.Errorf("read link: %w", err)
	}
	url := FirstURL(data)
	if url == "" {
		return "", fmt.Errorf("link file holds no url")
	}
	shot, err := p.shots.Capture(ctx, url)
	if err != nil {
		return "", err
	}
	return p.resize(ctx, "png:"+shot+"[0]", false, dest)
}

// FirstURL returns the first entry of a text/uri-list document. Comment
// lines start with '#'.
func FirstURL(data []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}
