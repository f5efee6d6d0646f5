package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tetherlabs/relay/internal/identity"
	"github.com/tetherlabs/relay/internal/thread"
	"go.uber.org/zap"
)

const deviceContextKey = "tether_device"

// Pull caps reflect client capability: the embedded client is memory-bounded,
// the browser is not. Callers drain longer backlogs by advancing the cursor.
const (
	devicePullLimit = 3
	webPullLimit    = 20
)

const (
	errorCodeBadRequest   = "bad_request"
	errorCodeUnauthorized = "unauthorized"
	errorCodeForbidden    = "forbidden"
	errorCodeInternal     = "internal_error"
)

var (
	errMissingIdentityService = errors.New("identity service dependency required")
	errMissingThreadService   = errors.New("thread service dependency required")
	errMissingSessionManager  = errors.New("session manager dependency required")
)

// SessionTokenManager issues and validates web session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, threadID, pairCode string) (string, int64, error)
	ValidateSessionToken(token string) (string, string, error)
}

// Dependencies wires the relay protocol handlers to their collaborators.
type Dependencies struct {
	Identity       *identity.Service
	Threads        *thread.Service
	Sessions       SessionTokenManager
	Realtime       *RealtimeDispatcher
	Logger         *zap.Logger
	PollIntervalMS int
	PairBaseURL    string
}

// NewHTTPHandler constructs the relay router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Identity == nil {
		return nil, errMissingIdentityService
	}
	if deps.Threads == nil {
		return nil, errMissingThreadService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		identity:       deps.Identity,
		threads:        deps.Threads,
		sessions:       deps.Sessions,
		realtime:       dispatcher,
		logger:         logger,
		pollIntervalMS: deps.PollIntervalMS,
		pairBaseURL:    deps.PairBaseURL,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.POST("/register", handler.handleRegister)

	device := router.Group("/")
	device.Use(handler.authorizeDevice)
	device.POST("/send", handler.handleDeviceSend)
	device.GET("/pull", handler.handleDevicePull)
	device.GET("/pair_qr", handler.handlePairQR)

	router.POST("/web_send", handler.handleWebSend)
	router.GET("/web_pull", handler.handleWebPull)
	router.POST("/web_session", handler.handleWebSession)
	router.GET("/web_events", handler.handleWebEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	identity       *identity.Service
	threads        *thread.Service
	sessions       SessionTokenManager
	realtime       *RealtimeDispatcher
	logger         *zap.Logger
	pollIntervalMS int
	pairBaseURL    string
}

type errorPayload struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func respondError(c *gin.Context, status int, code, detail string) {
	c.JSON(status, errorPayload{Error: code, Detail: detail})
}

func abortError(c *gin.Context, status int, code, detail string) {
	c.AbortWithStatusJSON(status, errorPayload{Error: code, Detail: detail})
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type registerRequestPayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type registerResponsePayload struct {
	ThreadID       string `json:"thread_id"`
	Token          string `json:"token"`
	PairCode       string `json:"pair_code"`
	PollIntervalMS int    `json:"poll_interval_ms"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "invalid_request")
		return
	}

	registration, err := h.identity.Register(c.Request.Context(), request.DeviceID, request.Name)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidDeviceID) {
			respondError(c, http.StatusBadRequest, errorCodeBadRequest, "invalid_device_id")
			return
		}
		h.logger.Error("registration failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	c.JSON(http.StatusOK, registerResponsePayload{
		ThreadID:       registration.ThreadID,
		Token:          registration.Token,
		PairCode:       registration.PairCode,
		PollIntervalMS: h.pollIntervalMS,
	})
}

type sendRequestPayload struct {
	Text string `json:"text"`
}

type deviceSendResponsePayload struct {
	OK       bool  `json:"ok"`
	MsgID    int64 `json:"msg_id"`
	ServerTS int64 `json:"server_ts"`
}

func (h *httpHandler) handleDeviceSend(c *gin.Context) {
	device := h.deviceFromContext(c)
	if device == nil {
		return
	}

	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "invalid_request")
		return
	}
	text, err := thread.NewMessageText(request.Text)
	if err != nil {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "text must be 1-280 characters")
		return
	}

	message, err := h.appendMessage(c, device.ThreadID, thread.RoleDevice, text)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, deviceSendResponsePayload{
		OK:       true,
		MsgID:    message.MsgID,
		ServerTS: message.TSMillis,
	})
}

func (h *httpHandler) handleDevicePull(c *gin.Context) {
	device := h.deviceFromContext(c)
	if device == nil {
		return
	}
	after, ok := parseAfter(c)
	if !ok {
		return
	}
	h.respondPull(c, device.ThreadID, after, devicePullLimit)
}

type webSendRequestPayload struct {
	ThreadID string `json:"thread_id"`
	PairCode string `json:"pair_code"`
	Text     string `json:"text"`
}

type webSendResponsePayload struct {
	OK    bool  `json:"ok"`
	MsgID int64 `json:"msg_id"`
	TS    int64 `json:"ts"`
}

func (h *httpHandler) handleWebSend(c *gin.Context) {
	var request webSendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "invalid_request")
		return
	}
	text, err := thread.NewMessageText(request.Text)
	if err != nil {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "text must be 1-280 characters")
		return
	}

	device, ok := h.resolveWebThread(c, request.ThreadID, request.PairCode)
	if !ok {
		return
	}

	message, err := h.appendMessage(c, device.ThreadID, thread.RoleWeb, text)
	if err != nil {
		return
	}

	c.JSON(http.StatusOK, webSendResponsePayload{
		OK:    true,
		MsgID: message.MsgID,
		TS:    message.TSMillis,
	})
}

func (h *httpHandler) handleWebPull(c *gin.Context) {
	device, ok := h.resolveWebThread(c, c.Query("thread_id"), c.Query("pair_code"))
	if !ok {
		return
	}
	after, okAfter := parseAfter(c)
	if !okAfter {
		return
	}
	h.respondPull(c, device.ThreadID, after, webPullLimit)
}

type webSessionRequestPayload struct {
	ThreadID string `json:"thread_id"`
	PairCode string `json:"pair_code"`
}

type webSessionResponsePayload struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

func (h *httpHandler) handleWebSession(c *gin.Context) {
	var request webSessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.ThreadID) == "" || strings.TrimSpace(request.PairCode) == "" {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "thread_id and pair_code required")
		return
	}

	device, err := h.identity.AuthenticateByPair(c.Request.Context(), request.ThreadID, request.PairCode)
	if err != nil {
		if errors.Is(err, identity.ErrNotAuthorized) {
			respondError(c, http.StatusForbidden, errorCodeForbidden, "")
			return
		}
		h.logger.Error("pair authentication failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	token, expiresIn, err := h.sessions.IssueSessionToken(c.Request.Context(), device.ThreadID, device.PairCode)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	c.JSON(http.StatusOK, webSessionResponsePayload{
		SessionToken: token,
		ExpiresIn:    expiresIn,
		TokenType:    "Bearer",
	})
}

// authorizeDevice enforces the bearer token policy: a missing or malformed
// header is unauthorized, a presented but unmatched token is forbidden.
func (h *httpHandler) authorizeDevice(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		abortError(c, http.StatusUnauthorized, errorCodeUnauthorized, "")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		abortError(c, http.StatusUnauthorized, errorCodeUnauthorized, "")
		return
	}

	device, err := h.identity.AuthenticateByToken(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrNotAuthorized) {
			h.logger.Warn("bearer token rejected")
			abortError(c, http.StatusForbidden, errorCodeForbidden, "")
			return
		}
		h.logger.Error("token authentication failed", zap.Error(err))
		abortError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	c.Set(deviceContextKey, device)
	c.Next()
}

func (h *httpHandler) deviceFromContext(c *gin.Context) *identity.DeviceContext {
	value, exists := c.Get(deviceContextKey)
	if !exists {
		abortError(c, http.StatusUnauthorized, errorCodeUnauthorized, "")
		return nil
	}
	device, ok := value.(identity.DeviceContext)
	if !ok {
		abortError(c, http.StatusUnauthorized, errorCodeUnauthorized, "")
		return nil
	}
	return &device
}

// resolveWebThread authenticates a web caller. Explicit thread_id plus
// pair_code wins; with neither present the caller may hold a session token in
// the Authorization header or the session_token query parameter.
func (h *httpHandler) resolveWebThread(c *gin.Context, threadID, pairCode string) (identity.DeviceContext, bool) {
	threadID = strings.TrimSpace(threadID)
	pairCode = strings.TrimSpace(pairCode)

	if threadID == "" && pairCode == "" {
		sessionToken := bearerFromHeader(c.GetHeader("Authorization"))
		if sessionToken == "" {
			sessionToken = strings.TrimSpace(c.Query("session_token"))
		}
		if sessionToken == "" {
			respondError(c, http.StatusBadRequest, errorCodeBadRequest, "thread_id and pair_code required")
			return identity.DeviceContext{}, false
		}
		var err error
		threadID, pairCode, err = h.sessions.ValidateSessionToken(sessionToken)
		if err != nil {
			h.logger.Warn("session token rejected", zap.Error(err))
			respondError(c, http.StatusForbidden, errorCodeForbidden, "")
			return identity.DeviceContext{}, false
		}
	} else if threadID == "" || pairCode == "" {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "thread_id and pair_code required")
		return identity.DeviceContext{}, false
	}

	device, err := h.identity.AuthenticateByPair(c.Request.Context(), threadID, pairCode)
	if err != nil {
		if errors.Is(err, identity.ErrNotAuthorized) {
			respondError(c, http.StatusForbidden, errorCodeForbidden, "")
			return identity.DeviceContext{}, false
		}
		h.logger.Error("pair authentication failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return identity.DeviceContext{}, false
	}
	return device, true
}

func bearerFromHeader(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (h *httpHandler) appendMessage(c *gin.Context, threadID string, from thread.Role, text thread.MessageText) (thread.Message, error) {
	message, err := h.threads.Append(c.Request.Context(), threadID, from, text)
	if err != nil {
		h.logger.Error("append failed", zap.Error(err), zap.String("thread_id", threadID))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return thread.Message{}, err
	}
	h.realtime.Publish(RealtimeMessage{
		ThreadID:    threadID,
		EventType:   RealtimeEventMessage,
		LatestMsgID: message.MsgID,
		Timestamp:   time.UnixMilli(message.TSMillis).UTC(),
	})
	return message, nil
}

type messagePayload struct {
	MsgID int64  `json:"msg_id"`
	From  string `json:"from"`
	Text  string `json:"text"`
	TS    int64  `json:"ts"`
}

type pullResponsePayload struct {
	Msgs   []messagePayload `json:"msgs"`
	Latest int64            `json:"latest"`
}

func (h *httpHandler) respondPull(c *gin.Context, threadID string, after int64, limit int) {
	messages, latest, err := h.threads.ReadSince(c.Request.Context(), threadID, after, limit)
	if err != nil {
		h.logger.Error("pull failed", zap.Error(err), zap.String("thread_id", threadID))
		respondError(c, http.StatusInternalServerError, errorCodeInternal, "")
		return
	}

	response := pullResponsePayload{
		Msgs:   make([]messagePayload, 0, len(messages)),
		Latest: latest,
	}
	for _, message := range messages {
		response.Msgs = append(response.Msgs, messagePayload{
			MsgID: message.MsgID,
			From:  string(message.From),
			Text:  message.Text,
			TS:    message.TSMillis,
		})
	}
	c.JSON(http.StatusOK, response)
}

func parseAfter(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.Query("after"))
	if raw == "" {
		return 0, true
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		respondError(c, http.StatusBadRequest, errorCodeBadRequest, "invalid_after")
		return 0, false
	}
	return after, true
}
