package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/talosaether/hubs/source"
	"github.com/talosaether/hubs/source/remote"
	"github.com/talosaether/hubs/workspace"
)

var errSlowConsumer = errors.New("realtime client fell behind")

// socket is one realtime connection carrying one subscription. Only the
// writer goroutine writes after the acknowledgement.
type socket struct {
	conn   *websocket.Conn
	outbox chan remote.Message
	failed chan error
}

func (sock *socket) enqueue(msg remote.Message) {
	select {
	case sock.outbox <- msg:
	default:
		select {
		case sock.failed <- errSlowConsumer:
		default:
		}
	}
}

func (sock *socket) writeLoop(done <-chan struct{}) {
	for {
		select {
		case msg := <-sock.outbox:
			if err := sock.conn.WriteJSON(msg); err != nil {
				select {
				case sock.failed <- err:
				default:
				}
				return
			}
		case <-done:
			return
		}
	}
}

// handleRealtime upgrades, reads one subscribe frame, acknowledges it and
// relays matching change events until either side goes away.
func (mod *Module) handleRealtime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := mod.upgrader.Upgrade(w, r, nil)
	if err != nil {
		mod.logger.Warn("failed to upgrade realtime connection", "error", err)
		return
	}
	mod.conns.Add(1)
	defer mod.conns.Done()
	mod.track(conn)
	defer mod.untrack(conn)
	defer func() { _ = conn.Close() }()

	reject := func(err error) {
		_ = conn.WriteJSON(remote.Message{Type: remote.MessageError, Error: err.Error(), Code: remote.ErrorCode(err)})
	}

	_ = conn.SetReadDeadline(time.Now().Add(mod.ackTimeout))
	var msg remote.Message
	if err := conn.ReadJSON(&msg); err != nil {
		mod.logger.Debug("realtime client left before subscribing", "error", err)
		return
	}
	if msg.Type != remote.MessageSubscribe || msg.Filter == nil {
		reject(fmt.Errorf("expected a %s frame", remote.MessageSubscribe))
		return
	}
	filter := *msg.Filter
	if filter.Table == "" {
		reject(source.ErrNoTable)
		return
	}
	if !source.ValidColumn(filter.Table) {
		reject(source.ErrBadColumn)
		return
	}
	if err := mod.authorize(ctx, workspace.PermRead, filter.WorkspaceID); err != nil {
		reject(err)
		return
	}

	sock := &socket{
		conn:   conn,
		outbox: make(chan remote.Message, mod.outboxSize),
		failed: make(chan error, 1),
	}
	sub, err := mod.src.Subscribe(ctx, filter, func(event source.ChangeEvent) {
		sock.enqueue(remote.Message{Type: remote.MessageChange, Event: &event})
	})
	if err != nil {
		mod.logger.Warn("realtime subscribe failed", "table", filter.Table, "error", err)
		reject(err)
		return
	}
	defer func() { _ = sub.Close() }()

	id := uuid.New().String()
	if err := conn.WriteJSON(remote.Message{Type: remote.MessageSubscribed, ID: id}); err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	mod.logger.Debug("realtime subscription open",
		"id", id,
		"table", filter.Table,
		"workspace_id", filter.WorkspaceID,
		"user_id", userFrom(ctx),
	)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sock.writeLoop(stop)
	}()

	// The client sends nothing after subscribing; a read error means it
	// went away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case err := <-sock.failed:
		mod.logger.Warn("realtime connection dropped", "id", id, "error", err)
	case <-sub.Done():
		cause := sub.Err()
		if cause == nil {
			cause = source.ErrDropped
		}
		close(stop)
		<-writerDone
		reject(cause)
		_ = conn.Close()
		<-closed
		return
	}
	close(stop)
	<-writerDone
	_ = conn.Close()
	<-closed
	mod.logger.Debug("realtime subscription closed", "id", id)
}
