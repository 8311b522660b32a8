package collaboration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
WEBSOCKET VIEW STREAM

A client attached to /ws/tabs/{id} drives one tab: it sends edit messages
and receives a full View after every change to the tab's document, local
or merged from another tab. Views are coalesced: if several changes land
before the writer gets to run, the client only sees the latest one.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler serves the tab view stream.
type WebSocketHandler struct {
	manager *Manager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(manager *Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

// HandleTabConnection attaches a websocket to an open tab.
func (h *WebSocketHandler) HandleTabConnection(w http.ResponseWriter, r *http.Request) {
	tabID := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("tab.id", tabID),
	)
	defer span.End()

	tab, err := h.manager.Get(tabID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	s := &viewSession{
		tab:    tab,
		conn:   conn,
		notify: make(chan struct{}, 1),
		errs:   make(chan string, 8),
		closed: make(chan struct{}),
	}

	// The pumps outlive the request.
	sessionCtx := context.WithoutCancel(ctx)
	go s.writePump()
	go s.readPump(sessionCtx)

	log.Printf("✓ WebSocket connection established for tab %s", tabID)
}

type viewSession struct {
	tab    *Tab
	conn   *websocket.Conn
	notify chan struct{}
	errs   chan string
	closed chan struct{}
}

func (s *viewSession) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *viewSession) reportError(msg string) {
	select {
	case s.errs <- msg:
	default:
		log.Printf("⚠️  Tab %s: dropping websocket error, queue full: %s", s.tab.ID(), msg)
	}
}

func (s *viewSession) readPump(ctx context.Context) {
	defer func() {
		close(s.closed)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("tab.id", s.tab.ID()),
			attribute.Int("message.size", len(data)),
		)
		if err := s.apply(msgCtx, data); err != nil {
			middleware.AddSpanError(msgCtx, err)
			s.reportError(err.Error())
		}
		span.End()

		if s.tab.isClosed() {
			return
		}
	}
}

func (s *viewSession) apply(ctx context.Context, data []byte) error {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	switch msg.Type {
	case models.MessageTypeSetText:
		return s.tab.SetText(ctx, msg.Text)
	case models.MessageTypeInsert:
		return s.tab.Insert(ctx, msg.Index, msg.Text)
	case models.MessageTypeDelete:
		return s.tab.Delete(ctx, msg.Index, msg.Length)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *viewSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	cancel := s.tab.OnChange(s.signal)
	defer func() {
		cancel()
		ticker.Stop()
		s.conn.Close()
	}()

	s.signal()
	for {
		select {
		case <-s.notify:
			view := s.tab.View()
			if err := s.write(models.ServerMessage{Type: models.MessageTypeView, View: &view}); err != nil {
				return
			}

		case msg := <-s.errs:
			if err := s.write(models.ServerMessage{Type: models.MessageTypeError, Error: msg}); err != nil {
				return
			}

		case <-s.tab.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tab closed"))
			return

		case <-s.closed:
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *viewSession) write(msg models.ServerMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}
