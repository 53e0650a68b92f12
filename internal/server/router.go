package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/accounts"
	"github.com/MarcoPoloResearchLab/jotrip/internal/auth"
	"github.com/MarcoPoloResearchLab/jotrip/internal/blobstore"
	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	accountIDContextKey = "jotrip_account_id"
	defaultMaxBlobBytes = 32 << 20
	accessTokenQuery    = "access_token"
)

var (
	errMissingAccounts = errors.New("accounts dependency required")
	errMissingBlobs    = errors.New("blob service dependency required")
)

// Authenticator resolves Basic credentials to an account id, bootstrapping
// unknown accounts.
type Authenticator interface {
	Authenticate(ctx context.Context, accountID string, password string) (string, error)
}

// BlobService is the per-account blob namespace and change log.
type BlobService interface {
	Put(ctx context.Context, accountID, key string, data []byte) (blobstore.ChangeEntry, error)
	Get(ctx context.Context, accountID, key string) ([]byte, error)
	ChangesSince(ctx context.Context, accountID string, since time.Time) ([]blobstore.ChangeEntry, time.Time, error)
	Wipe(ctx context.Context, accountID string) error
}

// SessionTokens issues and validates bearer tokens.
type SessionTokens interface {
	IssueSessionToken(accountID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler. Sessions and Realtime are optional;
// without Sessions the /session route is absent and Bearer auth is refused.
type Dependencies struct {
	Accounts          Authenticator
	Blobs             BlobService
	Sessions          SessionTokens
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	Clock             func() time.Time
	AllowedOrigins    []string
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
	MaxBlobBytes      int64
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Accounts == nil {
		return nil, errMissingAccounts
	}
	if deps.Blobs == nil {
		return nil, errMissingBlobs
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxBlobBytes := deps.MaxBlobBytes
	if maxBlobBytes <= 0 {
		maxBlobBytes = defaultMaxBlobBytes
	}

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(rateLimitMiddleware(deps.RateLimit, clock))
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	handler := &httpHandler{
		accounts:     deps.Accounts,
		blobs:        deps.Blobs,
		sessions:     deps.Sessions,
		realtime:     realtime,
		logger:       logger,
		heartbeat:    heartbeat,
		maxBlobBytes: maxBlobBytes,
	}

	router.GET("/health", handler.handleHealth)

	if deps.Sessions != nil {
		router.POST("/session", handler.authorize(false, false), handler.handleSession)
	}

	protected := router.Group("/")
	protected.Use(handler.authorize(true, false))
	protected.GET("/changes", handler.handleChanges)
	protected.GET("/blob/*key", handler.handleGetBlob)
	protected.PUT("/blob/*key", handler.handlePutBlob)
	protected.POST("/wipe", handler.handleWipe)

	router.GET("/events", handler.authorize(true, true), handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	accounts     Authenticator
	blobs        BlobService
	sessions     SessionTokens
	realtime     *RealtimeDispatcher
	logger       *zap.Logger
	heartbeat    time.Duration
	maxBlobBytes int64
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type changesResponsePayload struct {
	Changes []ChangeEvent `json:"changes"`
	Now     string        `json:"now"`
	User    string        `json:"user"`
}

type putResponsePayload struct {
	OK        bool   `json:"ok"`
	UpdatedAt string `json:"updatedAt"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleSession(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	token, expiresIn, err := h.sessions.IssueSessionToken(accountID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.String("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   string(auth.SchemeBearer),
	})
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	since, err := records.ParseTimestamp(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}

	entries, now, err := h.blobs.ChangesSince(c.Request.Context(), accountID, since)
	if err != nil {
		h.respondServiceError(c, "failed to list changes", err)
		return
	}
	response := changesResponsePayload{
		Changes: make([]ChangeEvent, 0, len(entries)),
		Now:     formatTimestamp(now),
		User:    accountID,
	}
	for _, entry := range entries {
		response.Changes = append(response.Changes, changeEventFromEntry(entry))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetBlob(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	data, err := h.blobs.Get(c.Request.Context(), accountID, c.Param("key"))
	switch {
	case errors.Is(err, blobstore.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	case errors.Is(err, blobstore.ErrBlobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	case err != nil:
		h.respondServiceError(c, "failed to read blob", err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *httpHandler) handlePutBlob(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	key, err := blobstore.NormalizeKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBlobBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "blob too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	entry, err := h.blobs.Put(c.Request.Context(), accountID, key, body)
	if err != nil {
		h.respondServiceError(c, "failed to write blob", err)
		return
	}

	event := changeEventFromEntry(entry)
	h.realtime.Publish(RealtimeMessage{
		AccountID: accountID,
		EventType: RealtimeEventChange,
		Change:    event,
		Timestamp: entry.UpdatedAt(),
	})
	c.JSON(http.StatusOK, putResponsePayload{OK: true, UpdatedAt: event.UpdatedAt})
}

func (h *httpHandler) handleWipe(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	if err := h.blobs.Wipe(c.Request.Context(), accountID); err != nil {
		h.respondServiceError(c, "failed to wipe account", err)
		return
	}
	h.logger.Info("account wipe requested", zap.String("account_id", accountID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	accountID := c.GetString(accountIDContextKey)
	ctx := c.Request.Context()

	stream, cleanup := h.realtime.Subscribe(ctx, accountID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, message.Change)
			c.Writer.Flush()
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"now": formatTimestamp(tick)})
			c.Writer.Flush()
		}
	}
}

// authorize accepts Basic credentials and, when allowBearer is set and
// sessions are configured, Bearer tokens. allowQueryToken additionally reads
// the bearer token from the access_token query parameter for clients that
// cannot set headers on event streams.
func (h *httpHandler) authorize(allowBearer bool, allowQueryToken bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		credentials, err := auth.ParseAuthorization(c.GetHeader("Authorization"))
		if errors.Is(err, auth.ErrMissingAuthorization) && allowQueryToken {
			if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" {
				credentials, err = auth.Credentials{Scheme: auth.SchemeBearer, Token: token}, nil
			}
		}
		switch {
		case errors.Is(err, auth.ErrMissingAuthorization):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid auth"})
			return
		}

		var accountID string
		if credentials.Scheme == auth.SchemeBearer {
			if !allowBearer || h.sessions == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid auth"})
				return
			}
			accountID, err = h.authorizeBearer(credentials.Token)
		} else {
			accountID, err = h.accounts.Authenticate(c.Request.Context(), credentials.Username, credentials.Password)
		}

		switch {
		case err == nil:
			c.Set(accountIDContextKey, accountID)
			c.Next()
		case errors.Is(err, accounts.ErrInvalidAccountID):
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user"})
		case errors.Is(err, accounts.ErrMissingCredentials):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid auth"})
		case errors.Is(err, accounts.ErrInvalidCredentials),
			errors.Is(err, auth.ErrInvalidToken),
			errors.Is(err, auth.ErrExpiredToken),
			errors.Is(err, auth.ErrMissingSubject):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		default:
			h.logger.Error("authorization failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		}
	}
}

func (h *httpHandler) authorizeBearer(token string) (string, error) {
	subject, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", err
	}
	return accounts.NewAccountID(subject)
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	fields := []zap.Field{
		zap.String("account_id", c.GetString(accountIDContextKey)),
		zap.Error(err),
	}
	var serviceErr *blobstore.ServiceError
	if errors.As(err, &serviceErr) {
		fields = append(fields, zap.String("code", serviceErr.Code()))
	}
	h.logger.Error(message, fields...)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			origins = nil
			break
		}
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func changeEventFromEntry(entry blobstore.ChangeEntry) ChangeEvent {
	return ChangeEvent{
		Key:       entry.Key,
		UpdatedAt: formatTimestamp(entry.UpdatedAt()),
		Kind:      entry.Kind,
	}
}

func formatTimestamp(value time.Time) string {
	return records.FormatTimestamp(value)
}
