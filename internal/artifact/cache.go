// Package artifact derives products of stored files (thumbnails,
// transcodes, rendered pages) and rebuilds each one exactly once per source
// revision.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/keylock"
	"github.com/ssd-technologies/nimbus/internal/logging"
	"github.com/ssd-technologies/nimbus/internal/scheduler"
	"github.com/ssd-technologies/nimbus/internal/storage"
)

// ErrUnsupported is returned for files whose mimetype the builder does not
// handle.
var ErrUnsupported = errors.New("unsupported mimetype")

// Source resolves a file to its current revision and content path.
type Source interface {
	FileSource(ctx context.Context, storage string, file int64) (storage.Source, error)
}

// Builder produces one kind of artifact. Build writes its output to dest,
// either a single file or a directory, and returns the output mimetype.
type Builder interface {
	Kind() string
	Accepts(mimetype string) bool
	Build(ctx context.Context, src storage.Source, dest string) (string, error)
}

// Artifact is the current build result for a file.
type Artifact struct {
	Storage  string
	File     int64
	Kind     string
	Rev      int64 // source revision it was built from
	Mimetype string
	Path     string
	Failed   bool
}

// State summarizes an artifact for status endpoints.
type State int

const (
	Ready State = iota
	Building
	Invalid
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Building:
		return "building"
	}
	return "invalid"
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, v := range []State{Ready, Building, Invalid} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Options tunes a Cache.
type Options struct {
	// BasePath is the data directory. Artifacts live at
	// BasePath/<storage>/<kind>/<file>.
	BasePath string
	// Priority of background builds.
	Priority scheduler.Priority
	// Timeout bounds a single build. A build that times out is recorded as
	// failed.
	Timeout time.Duration
}

// Cache keeps the artifacts of one builder in step with source revisions.
type Cache struct {
	builder  Builder
	source   Source
	records  *Records
	locks    *keylock.Locker
	sched    *scheduler.Scheduler
	basePath string
	priority scheduler.Priority
	timeout  time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]*scheduler.Task

	// gate orders finished builds against RemoveStorage. Builds hold it
	// shared while installing, RemoveStorage exclusively while deleting.
	gate     sync.RWMutex
	removals uint64
}

// New creates a cache for builder.
func New(builder Builder, source Source, records *Records, sched *scheduler.Scheduler, opts Options) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Cache{
		builder:  builder,
		source:   source,
		records:  records,
		locks:    keylock.New(),
		sched:    sched,
		basePath: opts.BasePath,
		priority: opts.Priority,
		timeout:  opts.Timeout,
		log:      logging.Named("artifact").With(zap.String("kind", builder.Kind())),
		pending:  make(map[string]*scheduler.Task),
	}
}

// Kind returns the builder's artifact kind.
func (c *Cache) Kind() string {
	return c.builder.Kind()
}

// Accepts reports whether the builder handles mimetype.
func (c *Cache) Accepts(mimetype string) bool {
	return c.builder.Accepts(mimetype)
}

// Path returns where the artifact of a file is stored.
func (c *Cache) Path(storage string, file int64) string {
	return filepath.Join(c.basePath, storage, c.Kind(), strconv.FormatInt(file, 10))
}

func key(storage string, file int64) string {
	return storage + ":" + strconv.FormatInt(file, 10)
}

// Get returns the artifact for the file's current revision, building it
// first when the cached one is stale. Concurrent callers for the same file
// share a single build. A failed build is returned with Failed set, not as
// an error.
func (c *Cache) Get(ctx context.Context, storageID string, file int64) (Artifact, error) {
	src, err := c.source.FileSource(ctx, storageID, file)
	if err != nil {
		return Artifact{}, err
	}
	if !c.builder.Accepts(src.Mimetype) {
		return Artifact{}, fmt.Errorf("%s for %s: %w", c.Kind(), src.Mimetype, ErrUnsupported)
	}
	if a, ok, err := c.cached(ctx, src); err != nil || ok {
		return a, err
	}

	release, err := c.locks.Lock(ctx, key(storageID, file))
	if err != nil {
		return Artifact{}, err
	}
	defer release()

	// Another caller may have built it, or the source moved on, while we
	// waited.
	if src, err = c.source.FileSource(ctx, storageID, file); err != nil {
		return Artifact{}, err
	}
	if a, ok, err := c.cached(ctx, src); err != nil || ok {
		return a, err
	}
	return c.build(ctx, src)
}

// cached returns the recorded artifact when it matches the source revision.
func (c *Cache) cached(ctx context.Context, src storage.Source) (Artifact, bool, error) {
	rec, ok, err := c.records.Get(ctx, src.Storage, src.File, c.Kind())
	if err != nil || !ok || rec.Rev != src.Rev {
		return Artifact{}, false, err
	}
	return c.artifact(rec), true, nil
}

func (c *Cache) artifact(rec Record) Artifact {
	return Artifact{
		Storage:  rec.Storage,
		File:     rec.File,
		Kind:     rec.Kind,
		Rev:      rec.Rev,
		Mimetype: rec.Mimetype,
		Path:     c.Path(rec.Storage, rec.File),
		Failed:   rec.Failed,
	}
}

// build must be called with the key lock held.
func (c *Cache) build(ctx context.Context, src storage.Source) (Artifact, error) {
	tmpDir := filepath.Join(c.basePath, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create temp dir: %w", err)
	}
	tmp := filepath.Join(tmpDir, c.Kind()+"-"+uuid.NewString())
	defer os.RemoveAll(tmp)

	c.gate.RLock()
	removals := c.removals
	c.gate.RUnlock()

	buildCtx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()
	mimetype, err := c.builder.Build(buildCtx, src, tmp)
	cancel()

	if ctx.Err() != nil {
		// Aborted or caller gone: leave the old record so a later request
		// retries instead of seeing a failure that never happened.
		return Artifact{}, ctx.Err()
	}

	c.gate.RLock()
	defer c.gate.RUnlock()
	if c.removals != removals {
		// A storage was removed while building; make sure it was not ours.
		if _, serr := c.source.FileSource(ctx, src.Storage, src.File); serr != nil {
			return Artifact{}, serr
		}
	}
	if err == nil {
		err = c.install(tmp, c.Path(src.Storage, src.File))
	}

	rec := Record{Storage: src.Storage, File: src.File, Kind: c.Kind(), Rev: src.Rev, Mimetype: mimetype}
	log := c.log.With(zap.String("storage", src.Storage), zap.Int64("file", src.File), zap.Int64("rev", src.Rev))
	if err != nil {
		rec.Failed = true
		rec.Mimetype = ""
		os.RemoveAll(c.Path(src.Storage, src.File))
		log.Warn("build failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	} else {
		log.Info("built", zap.Duration("elapsed", time.Since(start)))
	}
	if err := c.records.Put(ctx, rec); err != nil {
		return Artifact{}, err
	}
	return c.artifact(rec), nil
}

// install moves a finished build output over the previous artifact.
func (c *Cache) install(tmp, dest string) error {
	if _, err := os.Stat(tmp); err != nil {
		return fmt.Errorf("builder produced no output: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove old artifact: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

// Status reports whether the artifact for the file's current revision is
// ready. A stale artifact is scheduled for a background build and reported
// as Building.
func (c *Cache) Status(ctx context.Context, storageID string, file int64) (State, error) {
	src, err := c.source.FileSource(ctx, storageID, file)
	if err != nil {
		return Invalid, err
	}
	if !c.builder.Accepts(src.Mimetype) {
		return Invalid, nil
	}
	rec, ok, err := c.records.Get(ctx, storageID, file, c.Kind())
	if err != nil {
		return Invalid, err
	}
	if ok && rec.Rev == src.Rev {
		if rec.Failed {
			return Invalid, nil
		}
		return Ready, nil
	}
	c.Enqueue(storageID, file)
	return Building, nil
}

// Enqueue schedules a background build unless one is already pending for
// the file.
func (c *Cache) Enqueue(storageID string, file int64) {
	k := key(storageID, file)
	c.mu.Lock()
	if _, ok := c.pending[k]; ok {
		c.mu.Unlock()
		return
	}
	task := scheduler.NewTask(c.Kind(), fmt.Sprintf("build %s for %s", c.Kind(), k), c.priority,
		func(ctx context.Context) error {
			_, err := c.Get(ctx, storageID, file)
			return err
		})
	c.pending[k] = task
	c.mu.Unlock()

	go func() {
		<-task.Done()
		c.mu.Lock()
		if c.pending[k] == task {
			delete(c.pending, k)
		}
		c.mu.Unlock()
	}()
	c.sched.Start(task)
}

// Pending reports whether a background build is queued or running for the
// file.
func (c *Cache) Pending(storageID string, file int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key(storageID, file)]
	return ok
}

// Remove deletes a file's artifact and record, aborting any pending build.
func (c *Cache) Remove(ctx context.Context, storageID string, file int64) error {
	k := key(storageID, file)
	c.mu.Lock()
	task := c.pending[k]
	c.mu.Unlock()
	if task != nil {
		task.Abort()
	}

	release, err := c.locks.Lock(ctx, k)
	if err != nil {
		return err
	}
	defer release()
	if err := c.records.Delete(ctx, storageID, file, c.Kind()); err != nil {
		return err
	}
	if err := os.RemoveAll(c.Path(storageID, file)); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// RemoveStorage deletes every artifact of this kind in a storage.
func (c *Cache) RemoveStorage(ctx context.Context, storageID string) error {
	prefix := storageID + ":"
	c.mu.Lock()
	var tasks []*scheduler.Task
	for k, task := range c.pending {
		if strings.HasPrefix(k, prefix) {
			tasks = append(tasks, task)
		}
	}
	c.mu.Unlock()
	for _, task := range tasks {
		task.Abort()
	}

	c.gate.Lock()
	defer c.gate.Unlock()
	c.removals++
	n, err := c.records.DeleteStorage(ctx, storageID, c.Kind())
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(c.basePath, storageID, c.Kind())); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	c.log.Debug("storage artifacts removed", zap.String("storage", storageID), zap.Int("records", n))
	return nil
}

// HandleEvent keeps the cache in step with the storage engine: new and
// changed files are scheduled for a build, deleted ones are removed.
func (c *Cache) HandleEvent(ctx context.Context, e storage.Event) error {
	switch e.Kind {
	case storage.FileCreated, storage.FileChanged:
		src, err := c.source.FileSource(ctx, e.Storage, e.File)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.builder.Accepts(src.Mimetype) {
			c.Enqueue(e.Storage, e.File)
		}
	case storage.FileDeleted:
		return c.Remove(ctx, e.Storage, e.File)
	case storage.StorageDeleted:
		return c.RemoveStorage(ctx, e.Storage)
	}
	return nil
}
