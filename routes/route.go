package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sandboxengine/executor"
	"sandboxengine/internal"
	"sandboxengine/lang"
	"sandboxengine/model"
	"sandboxengine/service"
)

// Sessions is the session surface the control API drives.
type Sessions interface {
	StartSession(ctx context.Context, language, sessionID string) (*model.StartSessionResponse, error)
	ExecuteCode(ctx context.Context, sessionID, code string) (*model.ExecuteResponse, error)
	SendInput(ctx context.Context, sessionID, input string) (*model.InputResponse, error)
	EndSession(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*model.SessionInfo, error)
}

type PoolStats interface {
	Stats() map[string]executor.PoolStats
}

type Handler struct {
	sessions     Sessions
	pool         PoolStats
	languages    *lang.Registry
	maxCodeBytes int
	logger       *zap.Logger
}

func NewHandler(sessions Sessions, pool PoolStats, languages *lang.Registry, maxCodeBytes int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions:     sessions,
		pool:         pool,
		languages:    languages,
		maxCodeBytes: maxCodeBytes,
		logger:       logger,
	}
}

// SetupRoutes registers the control API on r.
func SetupRoutes(r gin.IRouter, h *Handler) {
	r.GET("/health", h.HandleHealth)
	r.GET("/languages", h.HandleLanguages)
	r.GET("/pool/stats", h.HandlePoolStats)

	s := r.Group("/session")
	s.POST("/start", h.HandleStart)
	s.GET("/:id", h.HandleGet)
	s.POST("/:id/execute", h.HandleExecute)
	s.POST("/:id/input", h.HandleInput)
	s.POST("/:id/end", h.HandleEnd)
}

// Logger logs each request with zap.
func Logger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (h *Handler) HandleHealth(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) HandleLanguages(c *gin.Context) {
	ok(c, http.StatusOK, model.LanguagesResponse{Languages: h.languages.IDs()})
}

func (h *Handler) HandlePoolStats(c *gin.Context) {
	ok(c, http.StatusOK, h.pool.Stats())
}

func (h *Handler) HandleStart(c *gin.Context) {
	var req model.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid Request Format", err.Error())
		return
	}
	resp, err := h.sessions.StartSession(c.Request.Context(), req.Language, req.SessionID)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

func (h *Handler) HandleGet(c *gin.Context) {
	info, err := h.sessions.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

func (h *Handler) HandleExecute(c *gin.Context) {
	var req model.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid Request Format", err.Error())
		return
	}
	if req.Code == "" {
		fail(c, http.StatusBadRequest, "INVALID_CODE", "Code is required", "")
		return
	}
	if h.maxCodeBytes > 0 && len(req.Code) > h.maxCodeBytes {
		fail(c, http.StatusBadRequest, "CODE_SIZE_EXCEEDED", "Code Too Long",
			fmt.Sprintf("max size allowed is %d bytes, got %d", h.maxCodeBytes, len(req.Code)))
		return
	}

	resp, err := h.sessions.ExecuteCode(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

func (h *Handler) HandleInput(c *gin.Context) {
	var req model.InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid Request Format", err.Error())
		return
	}
	resp, err := h.sessions.SendInput(c.Request.Context(), c.Param("id"), req.Input)
	if err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

func (h *Handler) HandleEnd(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.EndSession(c.Request.Context(), id); err != nil {
		h.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"sessionId": id, "ended": true})
}

// StatusFor maps a service error to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	var verr *internal.ValidationError
	switch {
	case errors.Is(err, lang.ErrUnsupportedLanguage):
		return http.StatusBadRequest, "UNSUPPORTED_LANGUAGE"
	case errors.Is(err, internal.ErrCodeSizeExceeded):
		return http.StatusBadRequest, "CODE_SIZE_EXCEEDED"
	case errors.As(err, &verr):
		return http.StatusBadRequest, "INVALID_CODE"
	case errors.Is(err, service.ErrNoActiveProcess):
		return http.StatusBadRequest, "NO_ACTIVE_PROCESS"
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, service.ErrSessionExists):
		return http.StatusConflict, "SESSION_EXISTS"
	case errors.Is(err, executor.ErrPoolTimeout):
		return http.StatusServiceUnavailable, "POOL_TIMEOUT"
	case errors.Is(err, executor.ErrRuntimeCreation):
		return http.StatusServiceUnavailable, "RUNTIME_CREATION_FAILED"
	case errors.Is(err, executor.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable, "RUNTIME_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h *Handler) failErr(c *gin.Context, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError || executor.IsPoolError(err) {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}
	fail(c, status, code, message, "")
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, model.Response{Success: true, StatusCode: status, Data: data})
}

func fail(c *gin.Context, status int, code, message, details string) {
	c.JSON(status, model.Response{
		Success:    false,
		StatusCode: status,
		Error:      &model.ErrorInfo{Code: code, Message: message, Details: details},
	})
}
