package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/logging"
)

// spoolMaxAge is how long an upload spool file may linger before the
// cleanup worker treats it as abandoned.
const spoolMaxAge = time.Hour

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.every(ctx, time.Minute, s.sweepWebshots)
	go s.every(ctx, time.Minute, s.sweepLimiter)
	go s.every(ctx, 15*time.Minute, s.sweepSpool)
}

func (s *Server) every(ctx context.Context, interval time.Duration, fn func(context.Context) int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			fn(ctx)
		}
	}
}

// --- Webshot Cache Sweep ---

// sweepWebshots drops expired screenshots. Returns the number removed.
func (s *Server) sweepWebshots(ctx context.Context) int {
	if s.shots == nil {
		return 0
	}
	n, err := s.shots.Sweep(ctx)
	if err != nil {
		logging.Named("worker").Warn("sweep webshots", zap.Error(err))
	}
	return n
}

// --- Rate Limiter Sweep ---

// sweepLimiter forgets clients whose window has expired.
func (s *Server) sweepLimiter(context.Context) int {
	return s.shotLimit.Sweep()
}

// --- Upload Spool Cleanup ---

// sweepSpool removes upload spool files left behind by interrupted
// requests.
func (s *Server) sweepSpool(context.Context) int {
	entries, err := os.ReadDir(s.tempDir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-spoolMaxAge)
	removed := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "upload-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.tempDir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		logging.Named("worker").Info("removed stale uploads", zap.Int("count", removed))
	}
	return removed
}
