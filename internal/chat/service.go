package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/backend/internal/engagement"
	"gorm.io/gorm"
)

var (
	// ErrEmptyMessage indicates a post without a body.
	ErrEmptyMessage = errors.New("chat: empty message")

	errMissingDatabase   = errors.New("chat: database connection required")
	errMissingGate       = errors.New("chat: access gate required")
	errMissingIDProvider = errors.New("chat: id provider required")
)

// Gate authorizes channel access; satisfied by the access package's Gate.
type Gate interface {
	Authorize(ctx context.Context, viewerID, pairKey string) (engagement.Pair, error)
}

// ServiceConfig describes the dependencies of the chat service.
type ServiceConfig struct {
	Database   *gorm.DB
	Gate       Gate
	IDProvider engagement.IDProvider
	Clock      func() time.Time
}

// Service appends to and reads from per-pair message channels. Every call
// runs through the gate first, so a channel only exists for viewers holding
// a live pair.
type Service struct {
	db    *gorm.DB
	gate  Gate
	ids   engagement.IDProvider
	clock func() time.Time
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Gate == nil {
		return nil, errMissingGate
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, gate: cfg.Gate, ids: cfg.IDProvider, clock: clock}, nil
}

// Post appends a message to the pair's channel. The sender role is stamped
// from the pair membership, never trusted from the caller.
func (s *Service) Post(ctx context.Context, senderID, pairKey, body string) (Message, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return Message{}, ErrEmptyMessage
	}

	pair, err := s.gate.Authorize(ctx, senderID, pairKey)
	if err != nil {
		return Message{}, err
	}

	role := SenderRequester
	if senderID == pair.ProviderID {
		role = SenderProvider
	}

	id, err := s.ids.NewID()
	if err != nil {
		return Message{}, fmt.Errorf("chat: id generation failed: %w", err)
	}

	message := Message{
		ID:         id,
		ChannelID:  pair.Key,
		SenderID:   senderID,
		SenderRole: role,
		Body:       trimmed,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return Message{}, err
	}
	return message, nil
}

// List returns the channel's messages in creation order, ties broken by id.
func (s *Service) List(ctx context.Context, viewerID, pairKey string) ([]Message, error) {
	pair, err := s.gate.Authorize(ctx, viewerID, pairKey)
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("channel_id = ?", pair.Key).
		Order("created_at ASC, id ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}
