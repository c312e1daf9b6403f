package api

import "time"

// MembershipResponse is the caller's view of their own membership
type MembershipResponse struct {
	UserID     string `json:"userId"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role"`
	Tier       string `json:"tier"`
	IsActive   bool   `json:"isActive"`
	CanChat    bool   `json:"canChat"`
	Privileged bool   `json:"privileged"`
}

// PostResponse is a catalog entry as shown to the caller.
// Locked posts have MediaURL cleared.
type PostResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Type      string    `json:"type,omitempty"`
	Access    string    `json:"access"`
	MediaURL  string    `json:"mediaUrl,omitempty"`
	Duration  int       `json:"duration,omitempty"`
	Locked    bool      `json:"locked"`
	CreatedAt time.Time `json:"createdAt"`
}

// PostsResponse wraps the catalog listing
type PostsResponse struct {
	Posts []PostResponse `json:"posts"`
}

// ConversationResponse returns the caller's conversation id
type ConversationResponse struct {
	ConversationID string `json:"conversationId"`
}

// MessagesResponse wraps a conversation's messages
type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

// PostMessageRequest is the body of POST /api/chat/messages
type PostMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Text           string `json:"text" validate:"required,max=4000"`
}

// PostMessageResponse acknowledges a stored message
type PostMessageResponse struct {
	OK      bool     `json:"ok"`
	Message *Message `json:"message"`
}

// SettingsRequest is the body of PUT /api/admin/settings
type SettingsRequest struct {
	BasicPrice  int64  `json:"basicPrice" validate:"gt=0"`
	ProPrice    int64  `json:"proPrice" validate:"gt=0"`
	Currency    string `json:"currency" validate:"required,len=3,alpha"`
	BasicPlanID string `json:"basicPlanId" validate:"max=128"`
	ProPlanID   string `json:"proPlanId" validate:"max=128"`
}

// SettingsResponse is the admin view of the tier settings
type SettingsResponse struct {
	BasicPrice  int64      `json:"basicPrice"`
	ProPrice    int64      `json:"proPrice"`
	Currency    string     `json:"currency"`
	BasicPlanID string     `json:"basicPlanId,omitempty"`
	ProPlanID   string     `json:"proPlanId,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// PatchUserRequest is the body of PATCH /api/admin/users/{id}.
// Omitted fields are left untouched.
type PatchUserRequest struct {
	Role     *string `json:"role" validate:"omitempty,oneof=USER CREATOR ADMIN"`
	Tier     *string `json:"tier" validate:"omitempty,oneof=NONE BASIC PRO"`
	IsActive *bool   `json:"isActive"`
}

// UserResponse is the admin view of a user
type UserResponse struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Tier     string `json:"tier"`
	IsActive bool   `json:"isActive"`
}

// PatchUserResponse acknowledges an admin update
type PatchUserResponse struct {
	OK   bool         `json:"ok"`
	User UserResponse `json:"user"`
}

// CreateSubscriptionRequest is the body of POST /api/subscriptions
type CreateSubscriptionRequest struct {
	Tier string `json:"tier" validate:"required,oneof=BASIC PRO"`
}
