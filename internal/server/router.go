package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lumeno/telebridge/internal/auth"
	"github.com/lumeno/telebridge/internal/puppet"
	"go.uber.org/zap"
)

const (
	clientNameContextKey = "telebridge_client_name"
	requestIDContextKey  = "telebridge_request_id"
	requestIDHeader      = "X-Request-ID"

	heartbeatInterval  = 15 * time.Second
	defaultSearchLimit = 10
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPuppetService = errors.New("puppet service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// ProvisioningTokenManager issues and validates provisioning session tokens.
type ProvisioningTokenManager interface {
	Login(ctx context.Context, sharedSecret, clientName string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the provisioning API.
type Dependencies struct {
	TokenManager ProvisioningTokenManager
	Puppets      *puppet.Service
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the provisioning API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Puppets == nil {
		return nil, errMissingPuppetService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		puppets:  deps.Puppets,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.Use(handler.assignRequestID)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/puppet/:account_id", handler.handleGetPuppet)
	protected.GET("/puppet", handler.handleFindPuppet)
	protected.GET("/search", handler.handleSearch)
	protected.GET("/doublepuppets", handler.handleListDoublePuppets)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	tokens   ProvisioningTokenManager
	puppets  *puppet.Service
	realtime *RealtimeDispatcher
	logger   *zap.Logger
}

type loginRequestPayload struct {
	SharedSecret string `json:"shared_secret"`
	ClientName   string `json:"client_name"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SharedSecret) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientName := strings.TrimSpace(request.ClientName)
	if clientName == "" {
		clientName = "provisioning"
	}

	token, expiresIn, err := h.tokens.Login(c.Request.Context(), request.SharedSecret, clientName)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidSharedSecret) {
			h.logger.Warn("provisioning login rejected",
				zap.String("client_name", clientName),
				zap.String("request_id", c.GetString(requestIDContextKey)))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to issue provisioning token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type puppetPayload struct {
	AccountID    int64  `json:"account_id"`
	UserID       string `json:"user_id"`
	Displayname  string `json:"displayname"`
	Username     string `json:"username"`
	IsRegistered bool   `json:"is_registered"`
	IsBot        bool   `json:"is_bot"`
	AvatarSet    bool   `json:"avatar_set"`
	CustomMXID   string `json:"custom_mxid,omitempty"`
}

func puppetToPayload(instance *puppet.Puppet) puppetPayload {
	record := instance.Snapshot()
	return puppetPayload{
		AccountID:    record.AccountID,
		UserID:       string(instance.DefaultUserID()),
		Displayname:  record.Displayname,
		Username:     record.Username,
		IsRegistered: record.IsRegistered,
		IsBot:        record.IsBot,
		AvatarSet:    record.PhotoID != nil && *record.PhotoID != "",
		CustomMXID:   record.CustomMXID,
	}
}

func (h *httpHandler) handleGetPuppet(c *gin.Context) {
	accountID, err := strconv.ParseInt(c.Param("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account_id"})
		return
	}

	instance, err := h.puppets.GetByAccount(c.Request.Context(), accountID, false)
	if err != nil {
		h.logger.Error("failed to load puppet", zap.Int64("account_id", accountID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if instance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, puppetToPayload(instance))
}

func (h *httpHandler) handleFindPuppet(c *gin.Context) {
	username := c.Query("username")
	displayname := c.Query("displayname")

	var (
		instance *puppet.Puppet
		err      error
	)
	switch {
	case username != "":
		instance, err = h.puppets.FindByUsername(c.Request.Context(), username)
	case displayname != "":
		instance, err = h.puppets.FindByDisplayname(c.Request.Context(), displayname)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	if err != nil {
		h.logger.Error("puppet lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if instance == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, puppetToPayload(instance))
}

type searchResultPayload struct {
	Score  int           `json:"score"`
	Puppet puppetPayload `json:"puppet"`
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}
	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	results := h.puppets.Search(query, limit)
	payload := make([]searchResultPayload, 0, len(results))
	for _, result := range results {
		payload = append(payload, searchResultPayload{
			Score:  result.Score,
			Puppet: puppetToPayload(result.Puppet),
		})
	}
	c.JSON(http.StatusOK, gin.H{"results": payload})
}

func (h *httpHandler) handleListDoublePuppets(c *gin.Context) {
	puppets, err := h.puppets.AllWithCustomMXID(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list double puppets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	payload := make([]puppetPayload, 0, len(puppets))
	for _, instance := range puppets {
		payload = append(payload, puppetToPayload(instance))
	}
	c.JSON(http.StatusOK, gin.H{"puppets": payload})
}

type streamEventPayload struct {
	AccountID   int64  `json:"account_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Displayname string `json:"displayname"`
	AvatarSet   bool   `json:"avatar_set"`
	TimestampMS int64  `json:"timestamp_ms"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "events_disabled"})
		return
	}

	// Subscribe before the headers go out so events published the moment the
	// client sees the response are not lost.
	stream, cleanup := h.realtime.Subscribe(c.Request.Context())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if !writeStreamEvent(c, realtimeEventHeartbeat, gin.H{"timestamp_ms": time.Now().UnixMilli()}) {
				return
			}
		case message := <-stream:
			payload := streamEventPayload{
				AccountID:   message.Event.AccountID,
				UserID:      string(message.Event.UserID),
				Username:    message.Event.Username,
				Displayname: message.Event.Displayname,
				AvatarSet:   message.Event.PhotoSet,
				TimestampMS: message.Timestamp.UnixMilli(),
			}
			if !writeStreamEvent(c, message.EventType, payload) {
				return
			}
		}
	}
}

func writeStreamEvent(c *gin.Context, eventType string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := c.Writer.WriteString("event: " + eventType + "\ndata: " + string(data) + "\n\n"); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func (h *httpHandler) assignRequestID(c *gin.Context) {
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	c.Writer.Header().Set(requestIDHeader, requestID)
	c.Next()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// EventSource cannot set request headers; the stream endpoint takes
		// the token as a query parameter instead.
		token = c.Query("access_token")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	clientName, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(clientNameContextKey, clientName)
	c.Next()
}
