package transport

import (
	"context"
	"fmt"
)

// Message is an incoming chat message normalized away from the concrete
// messaging platform.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget identifies where to deliver a message.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatMigratedError reports that the target chat was replaced by a new one
// (e.g. a Telegram group upgraded to a supergroup). Senders can retry
// against NewChatID and persist the new mapping.
type ChatMigratedError struct {
	OldChatID int64
	NewChatID int64
}

func (e *ChatMigratedError) Error() string {
	return fmt.Sprintf("chat %d migrated to %d", e.OldChatID, e.NewChatID)
}

// Adapter is the minimal messaging-platform surface the core depends on.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
