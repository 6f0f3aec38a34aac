package relay

import "context"

// Client is the chat-platform capability consumed by the lifecycle engine
// and the maintenance sweep. Every call except ChannelExists is best-effort
// from the engine's perspective: failures are logged and recorded, never
// allowed to roll back a committed state change. ChannelExists gates the
// orphan-close path and must report accurately.
type Client interface {
	// CreateThread opens a per-ticket thread under the category's relay
	// channel and returns its id.
	CreateThread(ctx context.Context, parentChannelID, name string) (string, error)

	PostMessage(ctx context.Context, channelID, content string) error
	SetChannelName(ctx context.Context, channelID, name string) error
	SetLabels(ctx context.Context, channelID string, labels []string) error
	Lock(ctx context.Context, channelID string) error
	Archive(ctx context.Context, channelID string) error
	ChannelExists(ctx context.Context, channelID string) (bool, error)

	// SendDirectMessage reports whether delivery succeeded; users may have
	// direct messages disabled.
	SendDirectMessage(ctx context.Context, userID, content string) (bool, error)
}
