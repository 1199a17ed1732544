package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/agent"
	"github.com/tetherlabs/tether/pkg/models"
)

const (
	wsWriteTimeout = 10 * time.Second

	// wsEventBuffer absorbs token bursts so a slow client does not stall
	// the model stream.
	wsEventBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is what the client sends: a message to run as a turn, or a
// reset command.
type clientFrame struct {
	Type      string `json:"type"` // "message" or "reset"
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// serverFrame mirrors turn events onto the wire, plus transport-level
// errors that occur outside any turn.
type serverFrame struct {
	models.TurnEvent
	SessionID string `json:"session_id,omitempty"`
}

// handleWS speaks the streaming protocol: each message frame runs one turn
// and its events stream back in order. Disconnecting cancels the running
// turn; the transcript is repaired on the session's next use.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Turns run off the read loop so a close frame or dropped peer is
	// noticed immediately. The hijacked request context never fires on
	// disconnect, so turns hang off a connection-scoped context instead.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs sync.WaitGroup
	defer runs.Wait()

	client := &wsClient{conn: conn}
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			cancel()
			return
		}

		switch frame.Type {
		case "message":
			runs.Add(1)
			go func(frame clientFrame) {
				defer runs.Done()
				s.runWSTurn(ctx, client, frame)
			}(frame)
		case "reset":
			s.runWSReset(ctx, client, frame)
		default:
			client.sendError(frame.SessionID, "unknown frame type")
		}
	}
}

func (s *Server) runWSTurn(ctx context.Context, client *wsClient, frame clientFrame) {
	sess, err := s.manager.GetOrCreate(ctx, frame.SessionID)
	if err != nil {
		client.sendError(frame.SessionID, err.Error())
		return
	}
	activeSessions.Set(float64(len(s.manager.Ids())))

	release := sess.Acquire()
	defer release()
	s.manager.Prepare(ctx, sess)

	// Events flow through a buffered channel so sink emission never blocks
	// on the socket write.
	events := make(chan models.TurnEvent, wsEventBuffer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range events {
			client.send(serverFrame{TurnEvent: ev, SessionID: frame.SessionID})
		}
	}()

	sink := s.countingSink(agent.SinkFunc(func(ev models.TurnEvent) {
		select {
		case events <- ev:
		default:
			// Client too slow; drop token frames rather than stall.
			if ev.Type != models.TurnToken {
				events <- ev
			}
		}
	}))

	start := time.Now()
	_, err = s.orch.RunTurn(ctx, sess.Transcript(), sess.Target, frame.Text, sink)
	close(events)
	wg.Wait()
	turnDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		turnsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("turn failed structurally", "session", sess.ID, "error", err)
		client.sendError(frame.SessionID, "internal error")
		return
	}
	turnsTotal.WithLabelValues("completed").Inc()
}

func (s *Server) runWSReset(ctx context.Context, client *wsClient, frame clientFrame) {
	sess, ok := s.manager.Get(frame.SessionID)
	if !ok {
		client.sendError(frame.SessionID, "unknown session")
		return
	}
	release := sess.Acquire()
	defer release()
	s.manager.Reset(ctx, sess)

	ev := models.TurnEvent{Type: models.TurnEnd, Time: time.Now().UTC(), Text: "conversation reset"}
	client.send(serverFrame{TurnEvent: ev, SessionID: frame.SessionID})
}

// wsClient serializes writes; gorilla connections allow one concurrent
// writer.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(frame serverFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = c.conn.WriteJSON(frame)
}

func (c *wsClient) sendError(sessionID, msg string) {
	ev := models.TurnEvent{Type: models.TurnError, Time: time.Now().UTC(), Message: msg}
	c.send(serverFrame{TurnEvent: ev, SessionID: sessionID})
}
