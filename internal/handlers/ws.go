package handlers

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Brownie44l1/hcr-api/internal/canvas"
	"github.com/Brownie44l1/hcr-api/internal/model"
	"github.com/Brownie44l1/hcr-api/internal/pipeline"
)

// ClientMessage is a pointer or control event sent over /ws. X and Y are
// logical surface coordinates.
type ClientMessage struct {
	Type  string  `json:"type"`
	X     float64 `json:"x,omitempty"`
	Y     float64 `json:"y,omitempty"`
	Mode  string  `json:"mode,omitempty"`
	Width float64 `json:"width,omitempty"`
}

// ServerMessage is sent back to the client: "ready" once per connection,
// "result" for each delivered prediction and "error" for failures.
type ServerMessage struct {
	Type       string                    `json:"type"`
	Session    string                    `json:"session,omitempty"`
	Size       int                       `json:"size,omitempty"`
	Model      *model.State              `json:"model,omitempty"`
	Generation uint64                    `json:"generation,omitempty"`
	Result     *model.PredictionResponse `json:"result,omitempty"`
	Kind       string                    `json:"kind,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes; results arrive from prediction goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Draw runs one drawing session over a WebSocket. The device pixel ratio is
// read once from the dpr query parameter.
func (h *Handler) Draw(w http.ResponseWriter, r *http.Request) {
	dpr := 1.0
	if v := r.URL.Query().Get("dpr"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "Invalid dpr", http.StatusBadRequest)
			return
		}
		dpr = f
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	// drop any read deadline left by the server's request timeout
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return
	}

	sess := h.sessions.Create(dpr)
	defer h.sessions.Remove(sess.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &wsConn{conn: conn}
	state := h.loader.State(h.artifact())
	if err := c.send(ServerMessage{Type: "ready", Session: sess.ID, Size: sess.Surface().Size(), Model: &state}); err != nil {
		return
	}

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket closed", "session", sess.ID, "error", err)
			}
			return
		}
		if err := h.apply(ctx, c, sess, msg); err != nil {
			return
		}
	}
}

func (h *Handler) apply(ctx context.Context, c *wsConn, sess *pipeline.Session, msg ClientMessage) error {
	surface := sess.Surface()
	p := canvas.Point{X: msg.X, Y: msg.Y}

	switch msg.Type {
	case "begin":
		surface.Begin(p)
	case "move":
		surface.ExtendStroke(p)
	case "end":
		surface.EndStroke()
	case "leave":
		surface.Leave()
	case "clear":
		sess.Clear()
	case "mode":
		m, ok := canvas.ParseMode(msg.Mode)
		if !ok {
			return c.send(ServerMessage{Type: "error", Kind: "bad_request", Reason: "unknown mode " + strconv.Quote(msg.Mode)})
		}
		surface.SetMode(m)
	case "brush":
		surface.SetBrush(msg.Width)
	case "predict":
		sess.PredictAsync(ctx, func(o pipeline.Outcome) {
			var err error
			if o.Err != nil {
				kind, reason := model.Reason(o.Err)
				err = c.send(ServerMessage{Type: "error", Generation: o.Generation, Kind: kind, Reason: reason})
			} else {
				resp := o.Result.Response()
				resp.Generation = o.Generation
				err = c.send(ServerMessage{Type: "result", Generation: o.Generation, Result: &resp})
			}
			if err != nil {
				h.logger.Debug("result not delivered", "session", sess.ID, "error", err)
			}
		})
	default:
		return c.send(ServerMessage{Type: "error", Kind: "bad_request", Reason: "unknown message type " + strconv.Quote(msg.Type)})
	}
	return nil
}
