package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/tiergate/pkg/membership"
)

// ErrConversationNotFound is returned when no conversation matches the id
var ErrConversationNotFound = errors.New("conversation not found")

// Post is a catalog entry guarded by an access requirement
type Post struct {
	ID        string
	Title     string
	Excerpt   string
	Type      string
	Access    membership.AccessLevel
	MediaURL  string
	Duration  int
	CreatedAt time.Time
}

// PostCatalog lists posts, newest first
type PostCatalog interface {
	ListPosts(ctx context.Context, limit int) ([]Post, error)
}

// Conversation is the single chat thread between a member and the creator
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one chat message
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderRole     string    `json:"senderRole"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationStore persists chat threads
type ConversationStore interface {
	// GetConversation returns ErrConversationNotFound when missing
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// EnsureConversation returns the user's conversation, creating it on first use
	EnsureConversation(ctx context.Context, userID string) (*Conversation, error)

	// ListMessages returns up to limit messages, oldest first
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// AddMessage stores msg and returns it with id and timestamp set
	AddMessage(ctx context.Context, msg Message) (*Message, error)
}

// MemoryCatalog is an in-memory PostCatalog for development and tests
type MemoryCatalog struct {
	mu    sync.RWMutex
	posts []Post
}

// NewMemoryCatalog creates a catalog holding posts
func NewMemoryCatalog(posts ...Post) *MemoryCatalog {
	c := &MemoryCatalog{}
	for _, p := range posts {
		c.Add(p)
	}
	return c
}

// Add stores a post, assigning an id and timestamp when missing
func (c *MemoryCatalog) Add(p Post) Post {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, p)
	return p
}

// ListPosts implements PostCatalog
func (c *MemoryCatalog) ListPosts(_ context.Context, limit int) ([]Post, error) {
	c.mu.RLock()
	out := make([]Post, len(c.posts))
	copy(out, c.posts)
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryConversations is an in-memory ConversationStore
type MemoryConversations struct {
	mu       sync.RWMutex
	byID     map[string]*Conversation
	byUser   map[string]string
	messages map[string][]Message
	now      func() time.Time
}

// NewMemoryConversations creates an empty store
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		byID:     make(map[string]*Conversation),
		byUser:   make(map[string]string),
		messages: make(map[string][]Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetConversation implements ConversationStore
func (s *MemoryConversations) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	convo := *c
	return &convo, nil
}

// EnsureConversation implements ConversationStore
func (s *MemoryConversations) EnsureConversation(_ context.Context, userID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byUser[userID]; ok {
		convo := *s.byID[id]
		return &convo, nil
	}
	c := &Conversation{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now()}
	s.byID[c.ID] = c
	s.byUser[userID] = c.ID
	convo := *c
	return &convo, nil
}

// ListMessages implements ConversationStore
func (s *MemoryConversations) ListMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AddMessage implements ConversationStore
func (s *MemoryConversations) AddMessage(_ context.Context, msg Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[msg.ConversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return &msg, nil
}
