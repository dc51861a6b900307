package activity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

// MessageText is the default buddy message type.
const MessageText = "text"

var (
	chatNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://mindspace.app/buddy-chats"))
	chatPolicy    = bluemonday.StrictPolicy()
)

// ChatID returns the chat identifier of a pair of users. It does not depend
// on the order of the pair.
func ChatID(a, b string) string {
	pair := []string{a, b}
	slices.Sort(pair)
	return uuid.NewSHA1(chatNamespace, []byte(pair[0]+"\x00"+pair[1])).String()
}

// GetOrCreateChat returns the chat between a and b. The chat document is
// written with the first message.
func (s *Service) GetOrCreateChat(ctx context.Context, a, b string) (string, error) {
	for _, id := range []string{a, b} {
		if err := storage.ValidateID(id); err != nil {
			return "", err
		}
	}
	if a == b {
		return "", fmt.Errorf("%w: cannot chat with yourself", storage.ErrInvalidID)
	}
	id := ChatID(a, b)

	pair := []string{a, b}
	slices.Sort(pair)
	s.chatMu.Lock()
	s.participants[id] = pair
	s.chatMu.Unlock()
	return id, nil
}

// chatParticipants resolves the members of chatID from the stored chat or,
// for a chat without messages yet, from GetOrCreateChat.
func (s *Service) chatParticipants(ctx context.Context, chatID string) ([]string, error) {
	chat, err := s.router.GetChat(ctx, chatID)
	if err == nil {
		return chat.Participants, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	if p, ok := s.participants[chatID]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("chat %s: %w", chatID, storage.ErrNotFound)
}

// SendBuddyMessage appends a message to chatID. Markup is stripped from content.
func (s *Service) SendBuddyMessage(ctx context.Context, chatID, sender, msgType, content string) (schema.BuddyMessage, error) {
	participants, err := s.chatParticipants(ctx, chatID)
	if err != nil {
		return schema.BuddyMessage{}, err
	}
	if !slices.Contains(participants, sender) {
		return schema.BuddyMessage{}, fmt.Errorf("%w: %s is not in chat %s", storage.ErrInvalidID, sender, chatID)
	}
	clean := strings.TrimSpace(chatPolicy.Sanitize(content))
	if clean == "" {
		return schema.BuddyMessage{}, invalid(fmt.Errorf("empty message"))
	}
	if msgType == "" {
		msgType = MessageText
	}

	msg := schema.BuddyMessage{
		Sender:    sender,
		Type:      msgType,
		Content:   clean,
		Timestamp: s.now().Format(time.RFC3339Nano),
	}
	if err := s.router.AppendMessage(ctx, chatID, participants, msg); err != nil {
		return msg, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// GetBuddyMessages returns the messages of chatID, oldest first. An unknown
// chat has no messages.
func (s *Service) GetBuddyMessages(ctx context.Context, chatID string) ([]schema.BuddyMessage, error) {
	chat, err := s.router.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return []schema.BuddyMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	return chat.Messages, nil
}
