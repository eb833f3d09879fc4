package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/carelink/backend/internal/access"
	"github.com/carelink/backend/internal/auth"
	"github.com/carelink/backend/internal/chat"
	"github.com/carelink/backend/internal/engagement"
	"github.com/carelink/backend/internal/presence"
	"github.com/carelink/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "carelink_principal"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingUsersService = errors.New("users service dependency required")
	errMissingCoordinator  = errors.New("engagement coordinator dependency required")
	errMissingPresence     = errors.New("presence tracker dependency required")
	errMissingGate         = errors.New("access gate dependency required")
	errMissingChatService  = errors.New("chat service dependency required")

	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BackendTokenManager validates the bearer tokens minted by the identity
// collaborator.
type BackendTokenManager interface {
	ValidateToken(token string) (auth.Principal, error)
}

type Dependencies struct {
	TokenManager BackendTokenManager
	Users        *users.Service
	Coordinator  *engagement.Coordinator
	Presence     *presence.Tracker
	Gate         *access.Gate
	Chat         *chat.Service
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
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
		tokens:      deps.TokenManager,
		users:       deps.Users,
		coordinator: deps.Coordinator,
		presence:    deps.Presence,
		gate:        deps.Gate,
		chat:        deps.Chat,
		realtime:    dispatcher,
		logger:      logger,
	}

	router.GET("/events/stream", handler.handleEventStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/users", handler.handleRegister)
	protected.GET("/users/:id/profile", handler.handleProfile)
	protected.PATCH("/users/me/profile", handler.handleUpdateProfile)
	protected.POST("/providers/:id/verification", handler.handleSetVerification)
	protected.GET("/providers", handler.handleListProviders)
	protected.POST("/engagements", handler.handleCreateEngagement)
	protected.POST("/engagements/:id/accept", handler.handleAccept)
	protected.POST("/engagements/:id/decline", handler.handleDecline)
	protected.POST("/engagements/:id/meeting-link", handler.handleMeetingLink)
	protected.GET("/pairs", handler.handleListPairs)
	protected.GET("/pairs/:pairKey/engagements", handler.handlePairEngagements)
	protected.POST("/pairs/:pairKey/reschedule", handler.handleReschedule)
	protected.POST("/pairs/:pairKey/cancel", handler.handleCancel)
	protected.POST("/pairs/:pairKey/complete", handler.handleComplete)
	protected.GET("/pairs/:pairKey/messages", handler.handleListMessages)
	protected.POST("/pairs/:pairKey/messages", handler.handlePostMessage)
	protected.POST("/presence/online", handler.handlePresenceOnline)
	protected.POST("/presence/offline", handler.handlePresenceOffline)
	protected.POST("/presence/heartbeat", handler.handlePresenceHeartbeat)

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
	tokens      BackendTokenManager
	users       *users.Service
	coordinator *engagement.Coordinator
	presence    *presence.Tracker
	gate        *access.Gate
	chat        *chat.Service
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
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
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func currentPrincipal(c *gin.Context) (auth.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return auth.Principal{}, false
	}
	principal, ok := value.(auth.Principal)
	return principal, ok
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engagement.ErrValidation),
		errors.Is(err, engagement.ErrInvalidMeetingLink),
		errors.Is(err, engagement.ErrInvalidPairKey),
		errors.Is(err, users.ErrInvalidUser),
		errors.Is(err, users.ErrNotProvider),
		errors.Is(err, chat.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "detail": err.Error()})
	case errors.Is(err, engagement.ErrNotFound), errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, engagement.ErrNotAllowed), errors.Is(err, access.ErrDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

type registerPayload struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Degree      string `json:"degree"`
	Location    string `json:"location"`
	Bio         string `json:"bio"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload registerPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.users.Register(c.Request.Context(), users.RegisterParams{
		ID:          principal.Subject,
		Role:        users.Role(principal.Role),
		DisplayName: payload.DisplayName,
		Email:       payload.Email,
		Degree:      payload.Degree,
		Location:    payload.Location,
		Bio:         payload.Bio,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, fullProfilePayload(user))
}

type profilePayload struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Degree      string `json:"degree,omitempty"`
	Location    string `json:"location,omitempty"`
	Email       string `json:"email,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Detail      bool   `json:"detail"`
}

func publicCardPayload(user users.User) profilePayload {
	return profilePayload{
		ID:          user.ID,
		Role:        string(user.Role),
		DisplayName: user.DisplayName,
		Degree:      user.Degree,
		Location:    user.Location,
	}
}

func fullProfilePayload(user users.User) profilePayload {
	payload := publicCardPayload(user)
	payload.Email = user.Email
	payload.Bio = user.Bio
	payload.Detail = true
	return payload
}

// handleProfile exposes the public card to everyone and the full profile
// only to the owner or a counterpart holding a live pair.
func (h *httpHandler) handleProfile(c *gin.Context) {
	principal, _ := currentPrincipal(c)
	targetID := c.Param("id")

	user, err := h.users.Get(c.Request.Context(), targetID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if principal.Subject == user.ID {
		c.JSON(http.StatusOK, fullProfilePayload(user))
		return
	}

	pairKey := pairKeyForCounterparts(principal, user)
	if pairKey != "" {
		allowed, err := h.gate.CanAccess(c.Request.Context(), principal.Subject, pairKey)
		if err != nil {
			h.respondError(c, err)
			return
		}
		if allowed {
			c.JSON(http.StatusOK, fullProfilePayload(user))
			return
		}
	}

	c.JSON(http.StatusOK, publicCardPayload(user))
}

type updateProfilePayload struct {
	DisplayName *string `json:"display_name"`
	Degree      *string `json:"degree"`
	Location    *string `json:"location"`
	Bio         *string `json:"bio"`
}

func (h *httpHandler) handleUpdateProfile(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	var payload updateProfilePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	update := users.ProfileUpdate{
		DisplayName: payload.DisplayName,
		Degree:      payload.Degree,
		Location:    payload.Location,
		Bio:         payload.Bio,
	}
	if err := h.users.UpdateProfile(c.Request.Context(), principal.Subject, update); err != nil {
		h.respondError(c, err)
		return
	}

	user, err := h.users.Get(c.Request.Context(), principal.Subject)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, fullProfilePayload(user))
}

type verificationPayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleSetVerification(c *gin.Context) {
	principal, _ := currentPrincipal(c)
	if principal.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var payload verificationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	status := users.VerificationStatus(payload.Status)
	if err := h.users.SetVerification(c.Request.Context(), c.Param("id"), status); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func pairKeyForCounterparts(viewer auth.Principal, target users.User) string {
	viewerRole := users.Role(viewer.Role)
	switch {
	case viewerRole == users.RoleRequester && target.Role == users.RoleProvider:
		return engagement.PairKey(target.ID, viewer.Subject)
	case viewerRole == users.RoleProvider && target.Role == users.RoleRequester:
		return engagement.PairKey(viewer.Subject, target.ID)
	}
	return ""
}

type providerPayload struct {
	profilePayload
	Online bool `json:"online"`
}

func (h *httpHandler) handleListProviders(c *gin.Context) {
	providers, err := h.users.ListApprovedProviders(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	ids := make([]string, 0, len(providers))
	for _, provider := range providers {
		ids = append(ids, provider.ID)
	}
	snapshot, err := h.presence.Snapshot(c.Request.Context(), ids)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]providerPayload, 0, len(providers))
	for _, provider := range providers {
		entry := providerPayload{profilePayload: publicCardPayload(provider)}
		if record, ok := snapshot[provider.ID]; ok {
			entry.Online = h.presence.Online(record)
		}
		payload = append(payload, entry)
	}
	c.JSON(http.StatusOK, gin.H{"providers": payload})
}

type createEngagementPayload struct {
	ProviderID    string `json:"provider_id"`
	Topic         string `json:"topic"`
	Location      string `json:"location"`
	ScheduledTime string `json:"scheduled_time"`
}

type engagementPayload struct {
	ID            string `json:"id"`
	RequesterID   string `json:"requester_id"`
	ProviderID    string `json:"provider_id"`
	Status        string `json:"status"`
	Topic         string `json:"topic,omitempty"`
	Location      string `json:"location,omitempty"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
	MeetingLink   string `json:"meeting_link,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type pairPayload struct {
	PairKey       string `json:"pair_key"`
	ProviderID    string `json:"provider_id"`
	RequesterID   string `json:"requester_id"`
	Status        string `json:"status"`
	Topic         string `json:"topic,omitempty"`
	Location      string `json:"location,omitempty"`
	ScheduledTime string `json:"scheduled_time,omitempty"`
	MeetingLink   string `json:"meeting_link,omitempty"`
	UpdatedAt     string `json:"updated_at"`
}

func engagementToPayload(record engagement.Record) engagementPayload {
	payload := engagementPayload{
		ID:          record.ID,
		RequesterID: record.RequesterID,
		ProviderID:  record.ProviderID,
		Status:      string(record.Status),
		Topic:       record.Topic,
		Location:    record.Location,
		MeetingLink: record.MeetingLink,
		CreatedAt:   record.CreatedAt.UTC().Format(time.RFC3339),
	}
	if record.ScheduledTime != nil {
		payload.ScheduledTime = record.ScheduledTime.UTC().Format(time.RFC3339)
	}
	return payload
}

func pairToPayload(pair engagement.Pair) pairPayload {
	payload := pairPayload{
		PairKey:     pair.Key,
		ProviderID:  pair.ProviderID,
		RequesterID: pair.RequesterID,
		Status:      string(pair.Status),
		Topic:       pair.Topic,
		Location:    pair.Location,
		MeetingLink: pair.MeetingLink,
		UpdatedAt:   pair.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if pair.ScheduledTime != nil {
		payload.ScheduledTime = pair.ScheduledTime.UTC().Format(time.RFC3339)
	}
	return payload
}

func (h *httpHandler) handleCreateEngagement(c *gin.Context) {
	principal, _ := currentPrincipal(c)
	if principal.Role != string(users.RoleRequester) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var payload createEngagementPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.ProviderID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	params := engagement.CreateParams{
		RequesterID: principal.Subject,
		ProviderID:  strings.TrimSpace(payload.ProviderID),
		Topic:       strings.TrimSpace(payload.Topic),
		Location:    strings.TrimSpace(payload.Location),
	}
	if payload.ScheduledTime != "" {
		scheduled, err := time.Parse(time.RFC3339, payload.ScheduledTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scheduled_time"})
			return
		}
		params.ScheduledTime = &scheduled
	}

	record, pair, err := h.coordinator.Create(c.Request.Context(), params)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publishPairChange(pair)
	c.JSON(http.StatusCreated, gin.H{
		"engagement": engagementToPayload(record),
		"pair":       pairToPayload(pair),
	})
}

func (h *httpHandler) handleAccept(c *gin.Context) {
	h.handleLedgerTransition(c, h.coordinator.Accept)
}

func (h *httpHandler) handleDecline(c *gin.Context) {
	h.handleLedgerTransition(c, h.coordinator.Decline)
}

func (h *httpHandler) handleLedgerTransition(c *gin.Context, op func(ctx context.Context, actorID, engagementID string) (engagement.Record, engagement.Pair, error)) {
	principal, _ := currentPrincipal(c)

	record, pair, err := op(c.Request.Context(), principal.Subject, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publishPairChange(pair)
	c.JSON(http.StatusOK, gin.H{
		"engagement": engagementToPayload(record),
		"pair":       pairToPayload(pair),
	})
}

type meetingLinkPayload struct {
	URL string `json:"url"`
}

func (h *httpHandler) handleMeetingLink(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	var payload meetingLinkPayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, pair, err := h.coordinator.SetMeetingLink(c.Request.Context(), principal.Subject, c.Param("id"), payload.URL)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publishPairChange(pair)
	c.JSON(http.StatusOK, gin.H{
		"engagement": engagementToPayload(record),
		"pair":       pairToPayload(pair),
	})
}

func (h *httpHandler) handleListPairs(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	pairs, err := h.coordinator.PairsFor(c.Request.Context(), principal.Subject)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]pairPayload, 0, len(pairs))
	for _, pair := range pairs {
		payload = append(payload, pairToPayload(pair))
	}
	c.JSON(http.StatusOK, gin.H{"pairs": payload})
}

func (h *httpHandler) handlePairEngagements(c *gin.Context) {
	principal, _ := currentPrincipal(c)
	pairKey := c.Param("pairKey")

	if _, err := h.gate.Authorize(c.Request.Context(), principal.Subject, pairKey); err != nil {
		h.respondError(c, err)
		return
	}

	records, err := h.coordinator.EngagementsForPair(c.Request.Context(), pairKey)
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]engagementPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, engagementToPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"engagements": payload})
}

type reschedulePayload struct {
	ScheduledTime string `json:"scheduled_time"`
}

func (h *httpHandler) handleReschedule(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	var payload reschedulePayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.ScheduledTime == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	scheduled, err := time.Parse(time.RFC3339, payload.ScheduledTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scheduled_time"})
		return
	}

	pair, err := h.coordinator.Reschedule(c.Request.Context(), principal.Subject, c.Param("pairKey"), scheduled)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publishPairChange(pair)
	c.JSON(http.StatusOK, gin.H{"pair": pairToPayload(pair)})
}

func (h *httpHandler) handleCancel(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	pair, err := h.coordinator.Cancel(c.Request.Context(), principal.Subject, c.Param("pairKey"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publishPairChange(pair)
	c.JSON(http.StatusOK, gin.H{"pair": pairToPayload(pair)})
}

type completePayload struct {
	Confirmed bool `json:"confirmed"`
}

func (h *httpHandler) handleComplete(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	var payload completePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	pair, err := h.coordinator.Complete(c.Request.Context(), principal.Subject, c.Param("pairKey"), payload.Confirmed)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.publishPairChange(pair)
	c.JSON(http.StatusOK, gin.H{"pair": pairToPayload(pair)})
}

type messagePayload struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	SenderID   string `json:"sender_id"`
	SenderRole string `json:"sender_role"`
	Body       string `json:"body"`
	CreatedAt  string `json:"created_at"`
}

func messageToPayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:         message.ID,
		ChannelID:  message.ChannelID,
		SenderID:   message.SenderID,
		SenderRole: string(message.SenderRole),
		Body:       message.Body,
		CreatedAt:  message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	messages, err := h.chat.List(c.Request.Context(), principal.Subject, c.Param("pairKey"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, messageToPayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

type postMessagePayload struct {
	Body string `json:"body"`
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	principal, _ := currentPrincipal(c)

	var payload postMessagePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.chat.Post(c.Request.Context(), principal.Subject, c.Param("pairKey"), payload.Body)
	if err != nil {
		h.respondError(c, err)
		return
	}

	providerID, requesterID, err := engagement.ParsePairKey(message.ChannelID)
	if err == nil {
		h.realtime.PublishToPair(RealtimeEventChatMessage, message.ChannelID, message.ID,
			[]string{providerID, requesterID}, time.Now().UTC())
	}
	c.JSON(http.StatusCreated, gin.H{"message": messageToPayload(message)})
}

func (h *httpHandler) handlePresenceOnline(c *gin.Context) {
	h.handlePresenceUpdate(c, h.presence.MarkOnline, true)
}

func (h *httpHandler) handlePresenceOffline(c *gin.Context) {
	h.handlePresenceUpdate(c, h.presence.MarkOffline, true)
}

func (h *httpHandler) handlePresenceHeartbeat(c *gin.Context) {
	h.handlePresenceUpdate(c, h.presence.Heartbeat, false)
}

func (h *httpHandler) handlePresenceUpdate(c *gin.Context, update func(ctx context.Context, providerID string) error, notify bool) {
	principal, _ := currentPrincipal(c)
	if principal.Role != string(users.RoleProvider) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	if err := update(c.Request.Context(), principal.Subject); err != nil {
		h.respondError(c, err)
		return
	}

	if notify {
		h.publishPresenceChange(c, principal.Subject)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// publishPresenceChange notifies every requester currently paired with the
// provider; they are the only subscribers who render the indicator.
func (h *httpHandler) publishPresenceChange(c *gin.Context, providerID string) {
	pairs, err := h.coordinator.PairsFor(c.Request.Context(), providerID)
	if err != nil {
		h.logger.Warn("presence fanout skipped", zap.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, pair := range pairs {
		h.realtime.Publish(RealtimeMessage{
			UserID:    pair.RequesterID,
			EventType: RealtimeEventPresenceChanged,
			PairKey:   pair.Key,
			Detail:    providerID,
			Timestamp: now,
		})
	}
}

func (h *httpHandler) publishPairChange(pair engagement.Pair) {
	h.realtime.PublishToPair(RealtimeEventPairChanged, pair.Key, string(pair.Status),
		[]string{pair.ProviderID, pair.RequesterID}, time.Now().UTC())
}

const streamHeartbeatInterval = 25 * time.Second

type streamEventBody struct {
	PairKey   string `json:"pair_key,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// handleEventStream serves the server-sent events feed. Browsers cannot set
// headers on an EventSource, so the bearer token arrives as a query
// parameter instead.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming_unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	ctx := c.Request.Context()
	stream, cancel := h.realtime.Subscribe(ctx, principal.Subject)
	defer cancel()

	if err := writeStreamEvent(c.Writer, realtimeEventHeartbeat, streamEventBody{Timestamp: time.Now().UTC().Format(time.RFC3339)}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case message, open := <-stream:
			if !open {
				return
			}
			body := streamEventBody{
				PairKey:   message.PairKey,
				Detail:    message.Detail,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
			}
			if err := writeStreamEvent(c.Writer, message.EventType, body); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			body := streamEventBody{Timestamp: time.Now().UTC().Format(time.RFC3339)}
			if err := writeStreamEvent(c.Writer, realtimeEventHeartbeat, body); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w io.Writer, eventType string, body streamEventBody) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, encoded)
	return err
}
