package storage

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/logging"
)

// EventKind identifies an engine lifecycle event.
type EventKind int

const (
	StorageCreated EventKind = iota
	StorageChanged
	StorageDeleted
	FileCreated
	FileChanged
	FileDeleted
	CommentCreated
)

func (k EventKind) String() string {
	switch k {
	case StorageCreated:
		return "storage_created"
	case StorageChanged:
		return "storage_changed"
	case StorageDeleted:
		return "storage_deleted"
	case FileCreated:
		return "file_created"
	case FileChanged:
		return "file_changed"
	case FileDeleted:
		return "file_deleted"
	case CommentCreated:
		return "comment_created"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is published after the mutation it describes has committed.
type Event struct {
	Kind    EventKind
	Storage string
	File    int64
	Comment int64
}

// Handler reacts to an event. A returned error is logged by the bus.
type Handler func(ctx context.Context, e Event) error

// Bus delivers engine events to handlers registered at startup. Handlers run
// synchronously in registration order; a failing or panicking handler is
// logged and never affects the engine or the other handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe adds h to the handler list.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers e to every handler.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, e)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) {
	log := logging.Named("engine")
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panic",
				zap.Stringer("event", e.Kind),
				zap.String("storage", e.Storage),
				zap.Int64("file", e.File),
				zap.Any("panic", r))
		}
	}()
	if err := h(ctx, e); err != nil {
		log.Warn("event handler failed",
			zap.Stringer("event", e.Kind),
			zap.String("storage", e.Storage),
			zap.Int64("file", e.File),
			zap.Error(err))
	}
}

// Notifier receives per-storage change signals for live monitors.
type Notifier interface {
	Changed(storage string, rev int64)
	Deleted(storage string)
}

type nopNotifier struct{}

func (nopNotifier) Changed(string, int64) {}
func (nopNotifier) Deleted(string)        {}
