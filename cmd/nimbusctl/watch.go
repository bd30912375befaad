package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/nimbus/internal/notify"
)

// monitorURL turns the server base URL into the websocket URL of a storage
// monitor.
func monitorURL(base, storage string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/storage/" + url.PathEscape(storage)
	return u.String(), nil
}

// watchCmd prints notifications until the server closes the monitor or
// interrupt fires.
func watchCmd(c *client, args []string, out io.Writer, interrupt <-chan os.Signal) error {
	if len(args) != 1 {
		return errors.New("watch needs exactly one storage id")
	}
	wsURL, err := monitorURL(c.base, args[0])
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("open monitor: status %d", resp.StatusCode)
		}
		return fmt.Errorf("open monitor: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	msgs, readErr := readMonitor(conn, stop)

	for {
		select {
		case n, ok := <-msgs:
			if !ok {
				err := <-readErr
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return nil
				}
				return fmt.Errorf("monitor: %w", err)
			}
			fmt.Fprintln(out, formatNotification(n, c.styled, time.Now()))
			if n.Action == notify.ActionDeleted {
				return nil
			}
		case <-interrupt:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return nil
		}
	}
}

// readMonitor decodes notifications off conn until a read fails or stop is
// closed. msgs is closed when the reader exits; a read error is sent on errc
// first.
func readMonitor(conn *websocket.Conn, stop <-chan struct{}) (<-chan notify.Notification, <-chan error) {
	msgs := make(chan notify.Notification)
	errc := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			var n notify.Notification
			if err := conn.ReadJSON(&n); err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- n:
			case <-stop:
				return
			}
		}
	}()
	return msgs, errc
}

func formatNotification(n notify.Notification, styled bool, at time.Time) string {
	line := at.Format("15:04:05") + " " + n.Storage + " " + bold(styled, n.Action)
	if n.Rev != nil {
		line += fmt.Sprintf(" rev=%d", *n.Rev)
	}
	return line
}
