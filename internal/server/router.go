package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultSecretHeader      = "X-Cron-Secret"
	defaultInvocationTimeout = 5 * time.Minute
)

var errMissingDispatcher = errors.New("dispatcher dependency required")

// Dispatcher runs one delivery invocation.
type Dispatcher interface {
	Run(ctx context.Context, date schedule.Date) (dispatch.Result, error)
	Today() schedule.Date
}

type Dependencies struct {
	Dispatcher        Dispatcher
	Secret            string
	SecretHeader      string
	InvocationTimeout time.Duration
	VAPIDPublicKey    string
	AllowedOrigins    []string
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	secretHeader := strings.TrimSpace(deps.SecretHeader)
	if secretHeader == "" {
		secretHeader = defaultSecretHeader
	}
	invocationTimeout := deps.InvocationTimeout
	if invocationTimeout <= 0 {
		invocationTimeout = defaultInvocationTimeout
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins, secretHeader))

	handler := &httpHandler{
		dispatcher:        deps.Dispatcher,
		secret:            deps.Secret,
		secretHeader:      secretHeader,
		invocationTimeout: invocationTimeout,
		vapidPublicKey:    strings.TrimSpace(deps.VAPIDPublicKey),
		logger:            logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/vapid/public-key", handler.handlePublicKey)

	invocations := router.Group("/")
	invocations.Use(handler.authorizeInvocation)
	for _, path := range []string{"/dispatch", "/api/send-reminders"} {
		invocations.GET(path, handler.handleDispatch)
		invocations.POST(path, handler.handleDispatch)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string, secretHeader string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", secretHeader},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	dispatcher        Dispatcher
	secret            string
	secretHeader      string
	invocationTimeout time.Duration
	vapidPublicKey    string
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePublicKey(c *gin.Context) {
	if h.vapidPublicKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "vapid_not_configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidPublicKey})
}

func (h *httpHandler) authorizeInvocation(c *gin.Context) {
	if h.secret == "" {
		c.Next()
		return
	}
	presented := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if presented == "" {
		presented = strings.TrimSpace(c.GetHeader(h.secretHeader))
	}
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) != 1 {
		h.logger.Warn("dispatch invocation rejected",
			zap.String("client_ip", c.ClientIP()),
			zap.Bool("credential_present", presented != ""))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleDispatch(c *gin.Context) {
	date := h.dispatcher.Today()
	if rawDate := strings.TrimSpace(c.Query("date")); rawDate != "" {
		parsed, err := schedule.ParseDate(rawDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
			return
		}
		date = parsed
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.invocationTimeout)
	defer cancel()

	result, err := h.dispatcher.Run(ctx, date)
	if err != nil {
		var serviceErr *dispatch.ServiceError
		code := ""
		if errors.As(err, &serviceErr) {
			code = serviceErr.Code()
		}
		if dispatch.IsConfigurationError(err) {
			h.logger.Error("dispatch configuration error", zap.String("code", code), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":  "configuration_error",
				"code":   code,
				"detail": err.Error(),
			})
			return
		}
		h.logger.Error("dispatch failed", zap.String("date", date.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "dispatch_failed",
			"code":   code,
			"detail": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}
