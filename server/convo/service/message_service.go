package service

import (
	"context"
	"fmt"
	"strings"

	commonlog "opsdesk/server/common/log"
	"opsdesk/server/convo/domain"
)

// ConversationStore is the durable side of the messaging subsystem.
// Implementations report an unknown access token as domain.ErrNotFound.
type ConversationStore interface {
	FindProjectByToken(ctx context.Context, token string) (domain.Project, error)
	CreateMessage(ctx context.Context, message domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, projectID int64) ([]domain.Message, error)
	RecordActivity(ctx context.Context, activity domain.Activity) error
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)
}

// EventPublisher pushes finalized messages to downstream consumers
// (lead scoring, webhook glue). Delivery is fire-and-forget.
type EventPublisher interface {
	Publish(ctx context.Context, key string, payload any) error
}

type MessageService struct {
	store       ConversationStore
	hub         *Hub
	mq          EventPublisher
	storageBase string
	placeholder string
}

// NewMessageService wires ingestion against the store, the room hub and an
// optional event publisher (pass nil to disable). storageBase is the public
// endpoint-plus-bucket prefix attachment keys resolve under.
func NewMessageService(store ConversationStore, hub *Hub, mq EventPublisher, storageBase, placeholder string) *MessageService {
	return &MessageService{
		store:       store,
		hub:         hub,
		mq:          mq,
		storageBase: strings.TrimSuffix(storageBase, "/"),
		placeholder: placeholder,
	}
}

// CreateMessage validates, persists and broadcasts one message. Possession of
// a resolvable access token is the only authorization check. The returned
// message carries the store-assigned id and timestamp; broadcast delivery is
// best-effort and never affects the result.
func (s *MessageService) CreateMessage(ctx context.Context, token string, input domain.MessageInput) (domain.Message, error) {
	project, err := s.store.FindProjectByToken(ctx, token)
	if err != nil {
		return domain.Message{}, err
	}

	input.SenderName = strings.TrimSpace(input.SenderName)
	if input.SenderName == "" {
		return domain.Message{}, fmt.Errorf("%w: sender name is required", domain.ErrInvalidRequest)
	}
	if !input.SenderType.Valid() {
		return domain.Message{}, fmt.Errorf("%w: sender type must be %s or %s", domain.ErrInvalidRequest, domain.SenderRoleOperator, domain.SenderRoleClient)
	}

	content := strings.TrimSpace(input.Content)
	keys := dedupeKeys(input.AttachmentKeys)
	if content == "" && len(keys) == 0 {
		return domain.Message{}, fmt.Errorf("%w: content or attachments required", domain.ErrInvalidRequest)
	}
	if content == "" {
		content = s.placeholder
	}

	// Keys are trusted to have come from the upload broker for this token;
	// resolution is pure string construction, no storage round-trip.
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, s.resolveAttachmentURL(key))
	}

	created, err := s.store.CreateMessage(ctx, domain.Message{
		ProjectID:   project.ID,
		Token:       project.AccessToken,
		SenderType:  input.SenderType,
		SenderName:  input.SenderName,
		Content:     content,
		Attachments: urls,
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("persist message: %w", err)
	}
	created.Token = project.AccessToken

	s.recordActivity(ctx, project, created)
	s.publishEvent(ctx, created)
	s.hub.Broadcast(project.AccessToken, domain.Event{
		Type:    domain.EventNewMessage,
		Token:   project.AccessToken,
		Message: &created,
	})

	return created, nil
}

// ListMessages returns all messages for the token's project in creation
// order. An unresolvable token is domain.ErrNotFound.
func (s *MessageService) ListMessages(ctx context.Context, token string) ([]domain.Message, error) {
	project, err := s.store.FindProjectByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListMessages(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := range items {
		items[i].Token = project.AccessToken
	}
	return items, nil
}

func (s *MessageService) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	return s.store.ListConversations(ctx)
}

func (s *MessageService) resolveAttachmentURL(key string) string {
	return s.storageBase + "/" + strings.TrimPrefix(key, "/")
}

func (s *MessageService) recordActivity(ctx context.Context, project domain.Project, msg domain.Message) {
	err := s.store.RecordActivity(ctx, domain.Activity{
		ProjectID:   project.ID,
		Kind:        "message",
		Description: fmt.Sprintf("%s sent a message on %q", msg.SenderName, project.Title),
	})
	if err != nil {
		commonlog.Warnf("event=message_ingest action=record_activity status=failed project_id=%d error=%v", project.ID, err)
	}
}

func (s *MessageService) publishEvent(ctx context.Context, msg domain.Message) {
	if s.mq == nil {
		return
	}
	if err := s.mq.Publish(ctx, "message.created", msg); err != nil {
		commonlog.Warnf("event=message_ingest action=publish_event status=failed message_id=%d error=%v", msg.ID, err)
	}
}

func dedupeKeys(keys []string) []string {
	result := make([]string, 0, len(keys))
	seen := map[string]struct{}{}
	for _, key := range keys {
		value := strings.TrimSpace(key)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
