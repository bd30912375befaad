// Package webshot captures screenshots of web pages with a headless browser
// and keeps them in a TTL cache keyed by URL.
package webshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/nimbus/internal/cache"
	"github.com/ssd-technologies/nimbus/internal/command"
	"github.com/ssd-technologies/nimbus/internal/config"
)

// Mimetype of every screenshot.
const Mimetype = "image/png"

// ErrInvalidURL is returned for anything but absolute http and https URLs.
var ErrInvalidURL = errors.New("invalid url")

// Service renders and caches screenshots.
type Service struct {
	cache *cache.Cache
	run   command.Runner
	cfg   config.Webshot
}

// New opens the screenshot cache in dir.
func New(dir string, run command.Runner, cfg config.Webshot) (*Service, error) {
	s := &Service{run: run, cfg: cfg}
	c, err := cache.Open(dir, cfg.Timeout, s.render)
	if err != nil {
		return nil, err
	}
	s.cache = c
	return s, nil
}

// Close closes the cache index.
func (s *Service) Close() error {
	return s.cache.Close()
}

// MaxAge is how long clients may keep a screenshot.
func (s *Service) MaxAge() time.Duration {
	return s.cfg.Timeout
}

// Validate normalizes a user supplied URL.
func Validate(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}

// Get returns the cached screenshot of rawURL, capturing it when missing or
// expired.
func (s *Service) Get(ctx context.Context, rawURL string) (cache.Item, error) {
	u, err := Validate(rawURL)
	if err != nil {
		return cache.Item{}, err
	}
	return s.cache.Get(ctx, u)
}

// Capture returns the path of a screenshot of rawURL.
func (s *Service) Capture(ctx context.Context, rawURL string) (string, error) {
	item, err := s.Get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return item.Path, nil
}

// Sweep drops expired screenshots.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.cache.Sweep(ctx)
}

// Args expands the configured command line for one capture.
func (s *Service) Args(u, output string) []string {
	r := strings.NewReplacer(
		"{url}", u,
		"{output}", output,
		"{width}", strconv.Itoa(s.cfg.Width),
		"{height}", strconv.Itoa(s.cfg.Height),
	)
	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		args[i] = r.Replace(a)
	}
	return args
}

// render is the cache build function. Browsers insist on an image
// extension, so the capture goes to a sibling file first.
func (s *Service) render(ctx context.Context, u, dest string) (string, error) {
	output := dest + ".png"
	defer os.Remove(output)

	if _, err := s.run.Run(ctx, s.cfg.Command, s.Args(u, output)...); err != nil {
		return "", fmt.Errorf("capture %s: %w", u, err)
	}
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("capture %s: %s wrote no image", u, filepath.Base(s.cfg.Command))
	}
	if err := os.Rename(output, dest); err != nil {
		return "", fmt.Errorf("store capture: %w", err)
	}
	return Mimetype, nil
}
