package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/nimbus/internal/logging"
	"github.com/ssd-technologies/nimbus/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RevLookup returns the current revision of a storage, or an error when it
// does not exist.
type RevLookup func(ctx context.Context, storage string) (int64, error)

// IsMonitorRequest reports whether r asks for a websocket upgrade.
func IsMonitorRequest(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// HandleMonitor returns an HTTP handler that upgrades to a websocket and
// streams the notifications of the storage named by the "storage" path
// value. The first message is "open" with the current revision.
func HandleMonitor(hub *Hub, lookup RevLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storage := r.PathValue("storage")
		rev, err := lookup(r.Context(), storage)
		if err != nil {
			http.Error(w, "storage not found", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Named("monitor").Debug("websocket upgrade", zap.Error(err))
			return
		}
		serveMonitor(conn, hub.Subscribe(storage), rev)
	}
}

func serveMonitor(conn *websocket.Conn, sub *Subscription, rev int64) {
	log := logging.Named("monitor").With(zap.String("storage", sub.Storage()))
	defer conn.Close()
	defer sub.Close()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(revNotification(sub.Storage(), ActionOpen, rev)); err != nil {
		log.Debug("websocket write", zap.Error(err))
		return
	}

	closed := make(chan struct{})
	go readPump(conn, closed, log)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case n, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "monitor closed"))
				return
			}
			if err := conn.WriteJSON(n); err != nil {
				log.Debug("websocket write", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// readPump consumes client frames so pongs and close frames are processed.
// Monitors are push only; a client flooding the socket is disconnected.
func readPump(conn *websocket.Conn, closed chan<- struct{}, log *zap.Logger) {
	defer close(closed)
	limiter := ratelimit.New(60, time.Minute)
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read", zap.Error(err))
			}
			return
		}
		if !limiter.Allow() {
			log.Warn("monitor client exceeded message rate")
			return
		}
	}
}
