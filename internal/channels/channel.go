package channels

import (
	"context"
)

// Channel is a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// InboundMessage is the validated boundary record for one authorized inbound
// message. Built once from the transport update; nothing downstream
// re-inspects the raw payload.
type InboundMessage struct {
	ChatID      int64
	UserID      int64
	Username    string
	Text        string
	Attachments []string
}
