package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// EventRecordChanged is the realtime event type carrying a changed record.
	EventRecordChanged = "record.changed"

	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"

	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	writeWait               = 10 * time.Second
	streamBufferSize        = 64
)

var errMissingEndpoint = errors.New("realtime endpoint is required")

// Event is the wire envelope pushed by the backend.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is the wire envelope sent to the backend.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// TokenProvider supplies the bearer token presented on connect.
type TokenProvider interface {
	BearerToken() (string, error)
}

// WebSocketConfig configures a WebSocketSource.
type WebSocketConfig struct {
	Endpoint         string
	Tokens           TokenProvider
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	Logger           *zap.Logger
}

// WebSocketSource subscribes to the backend realtime endpoint over websockets.
// Each subscription owns one connection.
type WebSocketSource struct {
	endpoint string
	tokens   TokenProvider
	dialer   *websocket.Dialer
	pongWait time.Duration
	logger   *zap.Logger
}

// NewWebSocketSource validates cfg and returns a Source.
func NewWebSocketSource(cfg WebSocketConfig) (*WebSocketSource, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketSource{
		endpoint: endpoint,
		tokens:   cfg.Tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		pongWait: pongWait,
		logger:   logger,
	}, nil
}

// Subscribe dials the endpoint and subscribes to scope.
func (s *WebSocketSource) Subscribe(ctx context.Context, scope records.Scope) (Subscription, error) {
	header := http.Header{}
	if s.tokens != nil {
		token, err := s.tokens.BearerToken()
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.endpoint, header)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(ClientMessage{Action: actionSubscribe, Topics: []string{scope.String()}}); err != nil {
		conn.Close()
		return nil, err
	}

	subscription := &socketSubscription{
		conn:     conn,
		scope:    scope,
		stream:   make(chan Notification, streamBufferSize),
		closing:  make(chan struct{}),
		pongWait: s.pongWait,
		logger:   s.logger,
	}
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(subscription.pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeWait))
	})
	go subscription.readPump()
	return subscription, nil
}

type socketSubscription struct {
	conn     *websocket.Conn
	scope    records.Scope
	stream   chan Notification
	closing  chan struct{}
	once     sync.Once
	pongWait time.Duration
	logger   *zap.Logger
}

func (s *socketSubscription) Notifications() <-chan Notification {
	return s.stream
}

func (s *socketSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closing)
		deadline := time.Now().Add(writeWait)
		s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteJSON(ClientMessage{Action: actionUnsubscribe, Topics: []string{s.scope.String()}})
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

// readPump ends the subscription on transport errors only. Frames that do
// not parse are logged and skipped.
func (s *socketSubscription) readPump() {
	defer close(s.stream)
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.logger.Debug("realtime read failed", zap.String("scope", s.scope.String()), zap.Error(err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.pongWait))

		var event Event
		if err := json.Unmarshal(frame, &event); err != nil {
			s.logger.Warn("realtime frame malformed", zap.String("scope", s.scope.String()), zap.Error(err))
			continue
		}
		notification, ok := s.decode(event)
		if !ok {
			continue
		}
		select {
		case s.stream <- notification:
		case <-s.closing:
			return
		}
	}
}

func (s *socketSubscription) decode(event Event) (Notification, bool) {
	if event.Type != EventRecordChanged || len(event.Data) == 0 {
		return Notification{}, false
	}
	if event.Topic != "" && event.Topic != s.scope.String() {
		return Notification{}, false
	}
	var record records.Record
	if err := json.Unmarshal(event.Data, &record); err != nil {
		s.logger.Warn("realtime event undecodable", zap.String("scope", s.scope.String()), zap.Error(err))
		return Notification{}, false
	}
	if record.Key == "" {
		return Notification{}, false
	}
	return Notification{Scope: s.scope, Record: record, Timestamp: event.Timestamp}, true
}
