package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/tiergate/pkg/billing"
	"github.com/mihaimyh/tiergate/pkg/membership"
)

const (
	maxPosts        = 50
	maxMessages     = 200
	maxRequestBytes = 64 * 1024
	sourceAdmin     = "admin"
)

var (
	errUnauthorized       = errors.New("unauthorized")
	errForbidden          = errors.New("forbidden")
	errSubscriptionNeeded = errors.New("subscription inactive")
	errNotConfigured      = errors.New("not configured")
	errAccountInactive    = errors.New("account deactivated")
)

// Handler serves the membership-aware API routes
type Handler struct {
	config   Config
	validate *validator.Validate
}

func newHandler(config Config) *Handler {
	return &Handler{
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// GetMembership returns the caller's role, tier and derived capabilities
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	user, subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, MembershipResponse{
		UserID:     user.ID,
		Email:      user.Email,
		Name:       user.Name,
		Role:       string(user.Role),
		Tier:       string(user.Tier),
		IsActive:   user.IsActive,
		CanChat:    subject.CanChat(),
		Privileged: subject.IsPrivileged(),
	})
}

// ListPosts returns the newest posts. Posts the caller cannot access are
// listed with their media URL cleared and locked set.
func (h *Handler) ListPosts(w http.ResponseWriter, r *http.Request) {
	if h.config.Posts == nil {
		h.handleError(w, r, errNotConfigured, http.StatusServiceUnavailable)
		return
	}

	subject, err := membership.LoadSubject(r.Context(), h.config.Users, h.config.GetUserID(r))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load user: %w", err), http.StatusInternalServerError)
		return
	}

	posts, err := h.config.Posts.ListPosts(r.Context(), maxPosts)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list posts: %w", err), http.StatusInternalServerError)
		return
	}

	resp := PostsResponse{Posts: make([]PostResponse, 0, len(posts))}
	for _, p := range posts {
		allowed := subject.CanAccess(p.Access)
		h.config.Metrics.RecordAccessDecision(p.Access, allowed)
		resp.Posts = append(resp.Posts, redact(p, allowed))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func redact(p Post, allowed bool) PostResponse {
	out := PostResponse{
		ID:        p.ID,
		Title:     p.Title,
		Excerpt:   p.Excerpt,
		Type:      p.Type,
		Access:    string(p.Access),
		MediaURL:  p.MediaURL,
		Duration:  p.Duration,
		CreatedAt: p.CreatedAt,
	}
	if !allowed {
		out.MediaURL = ""
		out.Locked = true
	}
	return out
}

// GetConversation returns the caller's chat thread, creating it on first use
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	if h.config.Conversations == nil {
		h.handleError(w, r, errNotConfigured, http.StatusServiceUnavailable)
		return
	}
	user, subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !h.allowChat(w, r, subject) {
		return
	}

	convo, err := h.config.Conversations.EnsureConversation(r.Context(), user.ID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to open conversation: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, ConversationResponse{ConversationID: convo.ID})
}

// ListMessages returns up to 200 messages of a conversation, oldest first
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	if h.config.Conversations == nil {
		h.handleError(w, r, errNotConfigured, http.StatusServiceUnavailable)
		return
	}
	_, subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conversationID := r.URL.Query().Get("conversationId")
	if conversationID == "" {
		h.handleError(w, r, errors.New("missing conversationId"), http.StatusBadRequest)
		return
	}
	if _, ok := h.openConversation(w, r, subject, conversationID); !ok {
		return
	}

	msgs, err := h.config.Conversations.ListMessages(r.Context(), conversationID, maxMessages)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list messages: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, MessagesResponse{Messages: msgs})
}

// PostMessage appends a message to a conversation
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	if h.config.Conversations == nil {
		h.handleError(w, r, errNotConfigured, http.StatusServiceUnavailable)
		return
	}
	user, subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req PostMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("missing conversationId/text: %w", err), http.StatusBadRequest)
		return
	}
	if _, ok := h.openConversation(w, r, subject, req.ConversationID); !ok {
		return
	}

	senderRole := string(membership.RoleUser)
	if subject.IsPrivileged() {
		senderRole = string(membership.RoleAdmin)
	}
	msg, err := h.config.Conversations.AddMessage(r.Context(), Message{
		ConversationID: req.ConversationID,
		SenderID:       user.ID,
		SenderRole:     senderRole,
		Text:           req.Text,
	})
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to store message: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, PostMessageResponse{OK: true, Message: msg})
}

// openConversation loads a conversation and enforces the chat rules:
// privileged callers see every thread, members need an active tier and
// must own the thread.
func (h *Handler) openConversation(w http.ResponseWriter, r *http.Request, subject membership.Subject, id string) (*Conversation, bool) {
	convo, err := h.config.Conversations.GetConversation(r.Context(), id)
	if errors.Is(err, ErrConversationNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load conversation: %w", err), http.StatusInternalServerError)
		return nil, false
	}

	if subject.IsPrivileged() {
		return convo, true
	}
	if !h.allowChat(w, r, subject) {
		return nil, false
	}
	if convo.UserID != subject.UserID {
		h.handleError(w, r, errForbidden, http.StatusForbidden)
		return nil, false
	}
	return convo, true
}

func (h *Handler) allowChat(w http.ResponseWriter, r *http.Request, subject membership.Subject) bool {
	allowed := subject.CanChat()
	h.config.Metrics.RecordAccessDecision(membership.AccessBasic, allowed)
	if !allowed {
		h.handleError(w, r, errSubscriptionNeeded, http.StatusForbidden)
	}
	return allowed
}

// GetSettings returns the active tier settings (privileged callers only)
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requirePrivileged(w, r) {
		return
	}
	if h.config.Settings == nil {
		h.handleError(w, r, errNotConfigured, http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, settingsResponse(h.config.Settings.Current()))
}

// UpdateSettings validates, persists and activates new tier settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requirePrivileged(w, r) {
		return
	}
	if h.config.Settings == nil {
		h.handleError(w, r, errNotConfigured, http.StatusServiceUnavailable)
		return
	}

	var req SettingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %v", membership.ErrInvalidSettings, err), http.StatusBadRequest)
		return
	}

	updated, err := h.config.Settings.Update(r.Context(), membership.TierSettings{
		BasicPrice:  req.BasicPrice,
		ProPrice:    req.ProPrice,
		Currency:    req.Currency,
		BasicPlanID: req.BasicPlanID,
		ProPlanID:   req.ProPlanID,
	})
	if errors.Is(err, membership.ErrInvalidSettings) {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, settingsResponse(updated))
}

func settingsResponse(s membership.TierSettings) SettingsResponse {
	resp := SettingsResponse{
		BasicPrice:  s.BasicPrice,
		ProPrice:    s.ProPrice,
		Currency:    s.Currency,
		BasicPlanID: s.BasicPlanID,
		ProPlanID:   s.ProPlanID,
	}
	if !s.UpdatedAt.IsZero() {
		at := s.UpdatedAt
		resp.UpdatedAt = &at
	}
	return resp
}

// PatchUser applies an admin update to another user's role, tier or
// active flag. Callers cannot demote or deactivate themselves.
func (h *Handler) PatchUser(w http.ResponseWriter, r *http.Request) {
	caller, subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !subject.IsPrivileged() {
		h.handleError(w, r, errForbidden, http.StatusForbidden)
		return
	}

	targetID := h.config.GetPathParam(r, "id")
	if targetID == "" {
		h.handleError(w, r, errors.New("missing user id"), http.StatusBadRequest)
		return
	}

	var req PatchUserRequest
	if !h.decode(w, r, &req) {
		return
	}
	upper(req.Role)
	upper(req.Tier)
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid patch: %w", err), http.StatusBadRequest)
		return
	}

	patch := membership.UserPatch{IsActive: req.IsActive}
	if req.Role != nil {
		role := membership.Role(*req.Role)
		patch.Role = &role
	}
	if req.Tier != nil {
		tier := membership.Tier(*req.Tier)
		patch.Tier = &tier
	}
	if targetID == caller.ID && patch.DemotesSelf(caller.Role) {
		h.handleError(w, r, membership.ErrSelfDemotion, http.StatusBadRequest)
		return
	}

	before, err := h.config.Users.GetUser(r.Context(), targetID)
	if errors.Is(err, membership.ErrUserNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load user: %w", err), http.StatusInternalServerError)
		return
	}

	updated, err := h.config.Users.UpdateUser(r.Context(), targetID, patch)
	if errors.Is(err, membership.ErrUserNotFound) {
		h.handleError(w, r, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to update user: %w", err), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("user updated by admin",
		membership.Field{Key: "adminId", Value: caller.ID},
		membership.Field{Key: "userId", Value: updated.ID},
		membership.Field{Key: "role", Value: string(updated.Role)},
		membership.Field{Key: "tier", Value: string(updated.Tier)},
		membership.Field{Key: "isActive", Value: updated.IsActive},
	)
	if before.Tier != updated.Tier && h.config.OnTierChange != nil {
		change := membership.TierChange{
			UserID:       updated.ID,
			PreviousTier: before.Tier,
			NewTier:      updated.Tier,
			Source:       sourceAdmin,
			At:           time.Now().UTC(),
		}
		if err := h.config.OnTierChange(r.Context(), change); err != nil {
			h.config.Logger.Error("tier change callback failed",
				membership.Field{Key: "userId", Value: updated.ID},
				membership.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	h.writeJSON(w, http.StatusOK, PatchUserResponse{
		OK: true,
		User: UserResponse{
			ID:       updated.ID,
			Role:     string(updated.Role),
			Tier:     string(updated.Tier),
			IsActive: updated.IsActive,
		},
	})
}

// CreateSubscription starts a provider subscription for the caller
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if h.config.Subscriptions == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, http.StatusServiceUnavailable)
		return
	}
	user, subject, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	if !subject.Active {
		h.handleError(w, r, errAccountInactive, http.StatusForbidden)
		return
	}

	var req CreateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Tier = strings.ToUpper(strings.TrimSpace(req.Tier))
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: %s", membership.ErrInvalidTier, req.Tier), http.StatusBadRequest)
		return
	}

	result, err := h.config.Subscriptions.CreateSubscription(r.Context(), billing.SubscriptionRequest{
		UserID: user.ID,
		Email:  user.Email,
		Tier:   membership.Tier(req.Tier),
	})
	if err != nil {
		h.config.Logger.Error("subscription creation failed",
			membership.Field{Key: "userId", Value: user.ID},
			membership.Field{Key: "tier", Value: req.Tier},
			membership.Field{Key: "error", Value: err.Error()},
		)
		h.handleError(w, r, err, subscriptionErrorStatus(err))
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func subscriptionErrorStatus(err error) int {
	switch {
	case errors.Is(err, membership.ErrPlanNotConfigured),
		errors.Is(err, billing.ErrTierNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrProviderAPIError):
		return http.StatusBadGateway
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// authenticate loads the caller's stored user. It writes 401 and returns
// false when no known user stands behind the request.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*membership.User, membership.Subject, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
		return nil, membership.Subject{}, false
	}

	user, err := h.config.Users.GetUser(r.Context(), userID)
	if errors.Is(err, membership.ErrUserNotFound) {
		h.handleError(w, r, errUnauthorized, http.StatusUnauthorized)
		return nil, membership.Subject{}, false
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to load user: %w", err), http.StatusInternalServerError)
		return nil, membership.Subject{}, false
	}
	return user, membership.SubjectFor(user), true
}

func (h *Handler) requirePrivileged(w http.ResponseWriter, r *http.Request) bool {
	_, subject, ok := h.authenticate(w, r)
	if !ok {
		return false
	}
	if !subject.IsPrivileged() {
		h.handleError(w, r, errForbidden, http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

func upper(s *string) {
	if s != nil {
		*s = strings.ToUpper(strings.TrimSpace(*s))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Warn("failed to encode response", membership.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	// Default error handling
	h.writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
