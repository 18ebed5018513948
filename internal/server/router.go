package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
	"github.com/MarcoPoloResearchLab/carelog/internal/offline"
	"github.com/MarcoPoloResearchLab/carelog/internal/session"
	"github.com/MarcoPoloResearchLab/carelog/internal/snapshot"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionContextKey        = "carelog_session"
	defaultHeartbeatInterval = 25 * time.Second
	landingRange             = "landing"
)

var (
	errMissingService  = errors.New("offline service dependency required")
	errMissingRealtime = errors.New("realtime dispatcher dependency required")
)

// Dependencies are the collaborators of the binding API.
type Dependencies struct {
	Service           *offline.Service
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler exposes the offline service to a host shell over HTTP.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		service:   deps.Service,
		realtime:  deps.Realtime,
		heartbeat: heartbeat,
		logger:    logger,
	}

	api := router.Group("/v1")
	api.Use(handler.requireSession)
	api.POST("/mutations", handler.handleEnqueue)
	api.GET("/projection", handler.handleProjection)
	api.GET("/snapshots/:range", handler.handleSnapshot)
	api.GET("/cache/:namespace/:key", handler.handleCachedSnapshot)
	api.GET("/queue", handler.handleQueue)
	api.GET("/dead-letters", handler.handleDeadLetters)
	api.POST("/flush", handler.handleFlush)
	api.GET("/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", session.HeaderBabyID, session.HeaderHouseholdID},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	service   *offline.Service
	realtime  *RealtimeDispatcher
	heartbeat time.Duration
	logger    *zap.Logger
}

type enqueueRequestPayload struct {
	Kind    string       `json:"kind"`
	Payload care.Payload `json:"payload"`
}

func (h *httpHandler) requireSession(c *gin.Context) {
	sess, err := session.FromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_baby_id"})
		return
	}
	c.Set(sessionContextKey, sess)
	c.Next()
}

func sessionFrom(c *gin.Context) session.Context {
	value, _ := c.Get(sessionContextKey)
	sess, _ := value.(session.Context)
	return sess
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := care.ParseMutationKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}

	mutation, err := h.service.Enqueue(c.Request.Context(), sessionFrom(c), kind, request.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, mutation)
}

func (h *httpHandler) handleProjection(c *gin.Context) {
	sess := sessionFrom(c)
	events := h.service.Projection(c.Request.Context(), sess, nil)
	c.JSON(http.StatusOK, gin.H{
		"events":  events,
		"pending": len(h.service.Pending(c.Request.Context(), sess)),
		"state":   h.service.State(sess),
	})
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	sess := sessionFrom(c)
	rawRange := strings.ToLower(strings.TrimSpace(c.Param("range")))
	if rawRange == landingRange {
		c.JSON(http.StatusOK, h.service.Landing(c.Request.Context(), sess, nil))
		return
	}

	kind, err := snapshot.ParseRangeKind(rawRange)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	anchor := time.Now().In(h.service.Location())
	if rawAnchor := strings.TrimSpace(c.Query("anchor")); rawAnchor != "" {
		anchor, err = snapshot.ParseAnchor(rawAnchor, h.service.Location())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_anchor"})
			return
		}
	}

	record, err := h.service.Snapshot(c.Request.Context(), sess, kind, anchor, nil)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCachedSnapshot(c *gin.Context) {
	cached, found, err := h.service.CachedSnapshot(c.Request.Context(), sessionFrom(c), c.Param("namespace"), c.Param("key"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_cached"})
		return
	}
	c.JSON(http.StatusOK, cached)
}

func (h *httpHandler) handleQueue(c *gin.Context) {
	sess := sessionFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"mutations": h.service.Pending(c.Request.Context(), sess),
		"state":     h.service.State(sess),
	})
}

func (h *httpHandler) handleDeadLetters(c *gin.Context) {
	letters, err := h.service.DeadLetters(c.Request.Context(), sessionFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": letters})
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	result, err := h.service.Flush(c.Request.Context(), sessionFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	sess := sessionFrom(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, sess.BabyID.String())
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceCore})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notification.Type, notification)
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceCore})
			return true
		}
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var serviceErr *offline.ServiceError
	if !errors.As(err, &serviceErr) {
		h.logger.Error("binding request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	code := serviceErr.Code()
	status := http.StatusBadRequest
	switch {
	case strings.HasSuffix(code, ".storage_failure"), strings.HasSuffix(code, ".flush_failed"):
		status = http.StatusInternalServerError
		h.logger.Error("binding request failed", zap.String("code", code), zap.Error(err))
	case strings.HasSuffix(code, ".session_expired"):
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{"error": code})
}
