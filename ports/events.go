package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishLogout(ctx context.Context, userID, sessionID, tokenID string) error
	PublishSecurityAlert(ctx context.Context, alert core.SecurityAlert) error
}
