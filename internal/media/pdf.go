package media

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
	"github.com/ssd-technologies/nimbus/internal/storage"
)

// Layout of a PDF artifact directory.
const (
	PDFDocument = "document.pdf" // only present for converted documents
	PDFInfoFile = "info"
	PDFPages    = "pages"
)

// pageScale is the longest side of rendered pages, in pixels.
const pageScale = 2048

// Page is the size of one page, in points.
type Page struct {
	Position int     `json:"position"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// PDFInfo is the sidecar written next to the rendered pages.
type PDFInfo struct {
	Storage string            `json:"storage"`
	File    int64             `json:"file"`
	Rev     int64             `json:"rev"`
	Metas   map[string]string `json:"metas"`
	Pages   []Page            `json:"pages"`
}

// PDF renders office documents and PDFs into page images.
type PDF struct {
	base
}

func NewPDF(run command.Runner, tools config.Tools) *PDF {
	return &PDF{base: base{run: run, tools: tools}}
}

func (p *PDF) Kind() string { return KindPDF }

func (p *PDF) Accepts(mimetype string) bool { return IsPDFCompatible(mimetype) }

// Build fills the dest directory with pages/<n> JPEG files and an info
// document.
func (p *PDF) Build(ctx context.Context, src storage.Source, dest string) (string, error) {
	pagesDir := filepath.Join(dest, PDFPages)
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return "", fmt.Errorf("create pages dir: %w", err)
	}

	pdfPath := src.Path
	if src.Mimetype != "application/pdf" {
		pdfPath = filepath.Join(dest, PDFDocument)
		if err := p.convert(ctx, src.Path, pdfPath); err != nil {
			return "", err
		}
	}

	count, err := p.renderPages(ctx, pdfPath, dest, pagesDir)
	if err != nil {
		return "", err
	}

	out, err := p.run.Run(ctx, p.tools.PdfInfo, pdfPath, "-f", "1", "-l", "1000")
	if err != nil {
		return "", fmt.Errorf("read pdf info: %w", err)
	}
	metas, sizes := parsePDFInfo(out)

	info := PDFInfo{
		Storage: src.Storage,
		File:    src.File,
		Rev:     src.Rev,
		Metas:   metas,
		Pages:   make([]Page, count),
	}
	for i := range info.Pages {
		info.Pages[i].Position = i
		if i < len(sizes) {
			info.Pages[i].Width = math.Round(sizes[i].Width)
			info.Pages[i].Height = math.Round(sizes[i].Height)
		}
	}
	data, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encode pdf info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, PDFInfoFile), data, 0o644); err != nil {
		return "", fmt.Errorf("write pdf info: %w", err)
	}
	return "application/json", nil
}

// convert turns an office document into a PDF with unoconv.
func (p *PDF) convert(ctx context.Context, srcPath, pdfPath string) error {
	if _, err := p.run.Run(ctx, p.tools.Unoconv, "-n", "--output", pdfPath, "-f", "pdf", srcPath); err != nil {
		return fmt.Errorf("convert to pdf: %w", err)
	}
	return requireOutput(p.tools.Unoconv, pdfPath)
}

// renderPages runs pdftoppm and moves page-<n>.jpg to pagesDir/<n-1>.
func (p *PDF) renderPages(ctx context.Context, pdfPath, dest, pagesDir string) (int, error) {
	tmp := filepath.Join(dest, "render")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return 0, fmt.Errorf("create render dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	args := []string{"-jpeg", "-scale-to", strconv.Itoa(pageScale), pdfPath, filepath.Join(tmp, "page")}
	if _, err := p.run.Run(ctx, p.tools.PdfToPpm, args...); err != nil {
		return 0, fmt.Errorf("render pages: %w", err)
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return 0, fmt.Errorf("read render dir: %w", err)
	}
	count := 0
	for _, entry := range entries {
		n, ok := pageNumber(entry.Name())
		if !ok {
			continue
		}
		if err := os.Rename(filepath.Join(tmp, entry.Name()), filepath.Join(pagesDir, strconv.Itoa(n-1))); err != nil {
			return 0, fmt.Errorf("move page: %w", err)
		}
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("pdftoppm rendered no page")
	}
	return count, nil
}

// pageNumber parses pdftoppm output names. Numbers are zero padded to the
// width of the page count.
func pageNumber(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "page-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".jpg")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

var pdfMetas = map[string]string{
	"Creator":      "creator",
	"Producer":     "producer",
	"CreationDate": "creationDate",
	"Tagged":       "tagged",
	"Form":         "form",
	"Encrypted":    "encrypted",
	"Optimized":    "optimized",
	"PDF version":  "pdfVersion",
}

// parsePDFInfo extracts document metas and page sizes from pdfinfo output.
// Pages rotated by a quarter turn have their sides swapped.
func parsePDFInfo(out []byte) (map[string]string, []Page) {
	metas := make(map[string]string)
	var pages []Page

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if name, ok := pdfMetas[key]; ok {
			metas[name] = value
			continue
		}
		if !strings.HasPrefix(key, "Page") {
			continue
		}
		switch {
		case strings.HasSuffix(key, "size"):
			var w, h float64
			if _, err := fmt.Sscanf(value, "%g x %g", &w, &h); err != nil {
				continue
			}
			pages = append(pages, Page{Position: len(pages), Width: w, Height: h})
		case strings.HasSuffix(key, "rot"):
			rot, err := strconv.Atoi(value)
			if err != nil || len(pages) == 0 {
				continue
			}
			if rot == 90 || rot == 270 {
				last := &pages[len(pages)-1]
				last.Width, last.Height = last.Height, last.Width
			}
		}
	}
	return metas, pages
}
