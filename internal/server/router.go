package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clinicsync/internal/cache"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/core"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/queue"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/clinicsync/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "clinicsync_subject"

var (
	errMissingCore          = errors.New("core dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Core is the freshness and offline-tolerance surface the HTTP layer serves.
type Core interface {
	ChangeSource
	Get(ctx context.Context, scope records.Scope, forceRefresh bool) (*cache.Snapshot, error)
	DeriveStatus(record records.Record) records.DerivedStatus
	Filter(collection []records.Record, criteria records.Criteria) []records.Record
	Enqueue(ctx context.Context, request queue.WriteRequest) (string, error)
	Watch(scope records.Scope) (func(), error)
	Focus(ctx context.Context) error
	Pending() []queue.Write
	Acknowledge(ctx context.Context, correlationID string) error
	Retry(ctx context.Context, correlationID string) error
	Online() bool
	SetOnline(online bool)
}

// TokenValidator authenticates backend callbacks.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// NotificationPublisher accepts changes pushed by the backend over HTTP.
type NotificationPublisher interface {
	Publish(notification realtime.Notification)
}

// Dependencies wires the HTTP handler. Tokens and Publisher are optional;
// together they enable the notification callback route.
type Dependencies struct {
	Core           Core
	Events         *EventDispatcher
	Tokens         TokenValidator
	Publisher      NotificationPublisher
	Logger         *zap.Logger
	HeartbeatEvery time.Duration
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Core == nil {
		return nil, errMissingCore
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher(deps.Core)
	}
	heartbeat := deps.HeartbeatEvery
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatTick
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		core:      deps.Core,
		events:    events,
		tokens:    deps.Tokens,
		publisher: deps.Publisher,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/scopes/:scope/records", handler.handleListRecords)
	router.POST("/scopes/:scope/writes", handler.handleEnqueueWrite)
	router.GET("/scopes/:scope/events", handler.handleEventStream)
	router.GET("/writes", handler.handleListWrites)
	router.POST("/writes/:id/acknowledge", handler.handleAcknowledgeWrite)
	router.POST("/writes/:id/retry", handler.handleRetryWrite)
	router.POST("/focus", handler.handleFocus)
	router.POST("/network", handler.handleNetwork)

	if deps.Tokens != nil && deps.Publisher != nil {
		callbacks := router.Group("/")
		callbacks.Use(handler.authorizeRequest)
		callbacks.POST("/scopes/:scope/notifications", handler.handleNotification)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	core      Core
	events    *EventDispatcher
	tokens    TokenValidator
	publisher NotificationPublisher
	logger    *zap.Logger
	heartbeat time.Duration
}

type recordPayload struct {
	records.Record
	DerivedStatus records.DerivedStatus `json:"derived_status"`
}

type listResponsePayload struct {
	Scope     string          `json:"scope"`
	FetchedAt time.Time       `json:"fetched_at"`
	Stale     bool            `json:"stale"`
	Total     int             `json:"total"`
	Records   []recordPayload `json:"records"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"online":  h.core.Online(),
		"pending": len(h.core.Pending()),
	})
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	scope, ok := h.scopeParam(c)
	if !ok {
		return
	}
	criteria, err := parseCriteria(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date_range"})
		return
	}
	force, _ := strconv.ParseBool(c.Query("force"))

	snapshot, err := h.core.Get(c.Request.Context(), scope, force)
	stale := false
	if err != nil {
		var warning *cache.StaleDataWarning
		if !errors.As(err, &warning) || snapshot == nil {
			h.logger.Warn("records unavailable", zap.String("scope", scope.String()), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "records_unavailable"})
			return
		}
		stale = true
	}

	collection := snapshot.Records()
	filtered := h.core.Filter(collection, criteria)
	response := listResponsePayload{
		Scope:     scope.String(),
		FetchedAt: snapshot.FetchedAt(),
		Stale:     stale,
		Total:     len(collection),
		Records:   make([]recordPayload, 0, len(filtered)),
	}
	for _, record := range filtered {
		response.Records = append(response.Records, recordPayload{
			Record:        record,
			DerivedStatus: h.core.DeriveStatus(record),
		})
	}
	c.JSON(http.StatusOK, response)
}

type writeRequestPayload struct {
	Target      string          `json:"target"`
	Operation   string          `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	BaseVersion int64           `json:"base_version"`
}

func (h *httpHandler) handleEnqueueWrite(c *gin.Context) {
	scope, ok := h.scopeParam(c)
	if !ok {
		return
	}
	var request writeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	correlationID, err := h.core.Enqueue(c.Request.Context(), queue.WriteRequest{
		Scope:       scope,
		Target:      records.Key(strings.TrimSpace(request.Target)),
		Operation:   queue.Operation(strings.ToLower(strings.TrimSpace(request.Operation))),
		Payload:     request.Payload,
		BaseVersion: request.BaseVersion,
	})
	if err != nil {
		h.writeQueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"correlation_id": correlationID})
}

type queuedWritePayload struct {
	CorrelationID string          `json:"correlation_id"`
	Scope         string          `json:"scope"`
	Target        string          `json:"target"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	Sequence      int64           `json:"sequence"`
	State         string          `json:"state"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

func (h *httpHandler) handleListWrites(c *gin.Context) {
	pending := h.core.Pending()
	response := make([]queuedWritePayload, 0, len(pending))
	for _, write := range pending {
		payload := queuedWritePayload{
			CorrelationID: write.CorrelationID,
			Scope:         write.Scope.String(),
			Target:        write.Target.String(),
			Operation:     string(write.Operation),
			Payload:       write.Payload,
			Sequence:      write.Sequence,
			State:         string(write.State),
			Attempts:      write.Attempts,
			LastError:     write.LastError,
			EnqueuedAt:    write.EnqueuedAt,
		}
		if !write.NextAttemptAt.IsZero() {
			next := write.NextAttemptAt
			payload.NextAttemptAt = &next
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, gin.H{"writes": response})
}

func (h *httpHandler) handleAcknowledgeWrite(c *gin.Context) {
	if err := h.core.Acknowledge(c.Request.Context(), c.Param("id")); err != nil {
		h.writeQueueError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRetryWrite(c *gin.Context) {
	if err := h.core.Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.writeQueueError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleFocus(c *gin.Context) {
	if err := h.core.Focus(c.Request.Context()); err != nil {
		h.logger.Warn("focus revalidation incomplete", zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

type networkRequestPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleNetwork(c *gin.Context) {
	var request networkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.core.SetOnline(*request.Online)
	c.Status(http.StatusNoContent)
}

// handleEventStream streams core events for one scope. An open stream marks
// the scope as watched; closing it releases the scope.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	scope, ok := h.scopeParam(c)
	if !ok {
		return
	}
	release, err := h.core.Watch(scope)
	if err != nil {
		h.logger.Error("failed to watch scope", zap.String("scope", scope.String()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "watch_failed"})
		return
	}
	defer release()

	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, scope)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message.Data)
			return true
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"online": h.core.Online()})
			return true
		}
	})
}

type notificationPayload struct {
	Record records.Record `json:"record"`
}

func (h *httpHandler) handleNotification(c *gin.Context) {
	scope, ok := h.scopeParam(c)
	if !ok {
		return
	}
	var request notificationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Record.Key.String()) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.publisher.Publish(realtime.Notification{Scope: scope, Record: request.Record, Timestamp: time.Now().UTC()})
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) scopeParam(c *gin.Context) (records.Scope, bool) {
	scope, err := records.NewScope(c.Param("scope"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
		return "", false
	}
	return scope, true
}

func (h *httpHandler) writeQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, queue.ErrWriteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "write_not_found"})
		return
	case errors.Is(err, queue.ErrWriteNotExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "write_not_exhausted"})
		return
	case errors.Is(err, core.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_closed"})
		return
	}
	var serviceErr *queue.ServiceError
	if errors.As(err, &serviceErr) && strings.HasPrefix(serviceErr.Code(), "queue.enqueue.invalid_") {
		c.JSON(http.StatusBadRequest, gin.H{"error": strings.TrimPrefix(serviceErr.Code(), "queue.enqueue.")})
		return
	}
	h.logger.Error("write queue request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_failed"})
}

func parseCriteria(c *gin.Context) (records.Criteria, error) {
	criteria := records.Criteria{
		Search:       c.Query("search"),
		Status:       c.Query("status"),
		Specialty:    c.Query("specialty"),
		Professional: c.Query("professional"),
		Reception:    c.Query("reception"),
	}
	if raw := strings.TrimSpace(c.Query("start")); raw != "" {
		start, ok := records.ParseDate(raw)
		if !ok {
			return records.Criteria{}, errors.New("invalid start date")
		}
		criteria.Start = start
	}
	if raw := strings.TrimSpace(c.Query("end")); raw != "" {
		end, ok := records.ParseDate(raw)
		if !ok {
			return records.Criteria{}, errors.New("invalid end date")
		}
		criteria.End = end
	}
	return criteria, nil
}
