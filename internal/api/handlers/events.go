package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/MacJediWizard/vmvault/internal/backup"
	"github.com/MacJediWizard/vmvault/internal/runs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Stream message types.
const (
	StreamSnapshot = "snapshot"
	StreamEvent    = "event"
	StreamFinished = "finished"
)

// StreamMessage is one websocket frame of a run's event stream. Snapshot and
// finished frames carry the run, event frames carry the event.
type StreamMessage struct {
	Type  string        `json:"type"`
	Run   *runs.View    `json:"run,omitempty"`
	Event *backup.Event `json:"event,omitempty"`
}

// StreamConfig holds websocket timing for event streams.
type StreamConfig struct {
	// PingInterval is how often to send ping messages to clients.
	PingInterval time.Duration
	// WriteTimeout is the timeout for writing to a client.
	WriteTimeout time.Duration
	// ReadTimeout is the timeout for reading from a client.
	ReadTimeout time.Duration
	// MaxMessageSize is the maximum size of a message from a client.
	MaxMessageSize int64
}

// DefaultStreamConfig returns a StreamConfig with sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 512,
	}
}

// EventsHandler streams run events over websockets.
type EventsHandler struct {
	board    RunBoard
	config   StreamConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(board RunBoard, cfg StreamConfig, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		board:  board,
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "events_handler").Logger(),
	}
}

// RegisterRoutes registers the event stream route on the given router group.
func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/runs/:id/events", h.Stream)
}

// Stream upgrades the connection and sends the run's snapshot, every later
// event, and a final snapshot once the run finishes.
// GET /api/v1/runs/:id/events
func (h *EventsHandler) Stream(c *gin.Context) {
	runID, ok := parseRunID(c)
	if !ok {
		return
	}

	view, events, unsubscribe, err := h.board.Subscribe(runID)
	if err != nil {
		if errors.Is(err, runs.ErrUnknownRun) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}

	s := &stream{
		conn:   conn,
		runID:  runID,
		board:  h.board,
		config: h.config,
		gone:   make(chan struct{}),
		logger: h.logger.With().Str("run_id", runID.String()).Logger(),
	}
	s.logger.Debug().Msg("event stream opened")

	go s.readPump()
	s.writePump(view, events)

	s.logger.Debug().Msg("event stream closed")
}

type stream struct {
	conn   *websocket.Conn
	runID  uuid.UUID
	board  RunBoard
	config StreamConfig
	gone   chan struct{}
	logger zerolog.Logger
}

// readPump discards client messages and closes gone when the client leaves.
func (s *stream) readPump() {
	defer close(s.gone)

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump owns every write to the connection.
func (s *stream) writePump(view runs.View, events <-chan backup.Event) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	if err := s.write(StreamMessage{Type: StreamSnapshot, Run: &view}); err != nil {
		return
	}

	for {
		select {
		case <-s.gone:
			return

		case e, ok := <-events:
			if !ok {
				final, _ := s.board.Get(s.runID)
				if err := s.write(StreamMessage{Type: StreamFinished, Run: &final}); err != nil {
					return
				}
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := s.write(StreamMessage{Type: StreamEvent, Event: &e}); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *stream) write(msg StreamMessage) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("websocket write failed")
		return err
	}
	return nil
}
