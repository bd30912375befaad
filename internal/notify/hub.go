// Package notify fans storage change signals out to live monitor
// connections grouped by storage id.
package notify

import (
	"sync"
)

// Actions carried by a Notification.
const (
	ActionOpen    = "open"
	ActionChanged = "changed"
	ActionDeleted = "deleted"
)

// Notification is the JSON message pushed to monitors.
type Notification struct {
	Storage string `json:"storage"`
	Action  string `json:"action"`
	Rev     *int64 `json:"rev,omitempty"`
}

func revNotification(storage, action string, rev int64) Notification {
	return Notification{Storage: storage, Action: action, Rev: &rev}
}

// Subscription receives the notifications of one storage until closed.
type Subscription struct {
	hub     *Hub
	storage string
	ch      chan Notification
}

// C returns the notification channel. It is closed when the subscription
// is closed, when the storage is deleted, or when the subscriber falls too
// far behind.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

// Storage returns the storage id this subscription watches.
func (s *Subscription) Storage() string {
	return s.storage
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.remove(s)
}

// Hub is an in-memory registry of monitor subscriptions keyed by storage.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*Subscription]struct{}
	buffer int
}

// NewHub creates a Hub whose subscribers may lag by up to buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		groups: make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber for storage.
func (h *Hub) Subscribe(storage string) *Subscription {
	s := &Subscription{hub: h, storage: storage, ch: make(chan Notification, h.buffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.groups[storage]
	if !ok {
		group = make(map[*Subscription]struct{})
		h.groups[storage] = group
	}
	group[s] = struct{}{}
	return s
}

// Changed pushes a "changed" notification with the new storage revision.
func (h *Hub) Changed(storage string, rev int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast(storage, revNotification(storage, ActionChanged, rev))
}

// Deleted pushes a "deleted" notification and ends every subscription of
// the storage.
func (h *Hub) Deleted(storage string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast(storage, Notification{Storage: storage, Action: ActionDeleted})
	for s := range h.groups[storage] {
		h.remove(s)
	}
}

// Count returns the number of live subscriptions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, group := range h.groups {
		n += len(group)
	}
	return n
}

// Storages returns the number of subscribers per watched storage.
func (h *Hub) Storages() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.groups))
	for id, group := range h.groups {
		out[id] = len(group)
	}
	return out
}

// broadcast must be called with mu held. Subscribers with a full buffer are
// dropped rather than blocking the engine.
func (h *Hub) broadcast(storage string, n Notification) {
	for s := range h.groups[storage] {
		select {
		case s.ch <- n:
		default:
			h.remove(s)
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(s *Subscription) {
	group, ok := h.groups[s.storage]
	if !ok {
		return
	}
	if _, ok := group[s]; !ok {
		return
	}
	delete(group, s)
	close(s.ch)
	if len(group) == 0 {
		delete(h.groups, s.storage)
	}
}
