package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

const (
	TopicLogout   = "warden.logout"
	TopicSecurity = "warden.security"
)

// LogoutEvent represents a logout event
type LogoutEvent struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	TokenID   string `json:"token_id"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher     message.Publisher
	logoutTopic   string
	securityTopic string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher:     publisher,
		logoutTopic:   TopicLogout,
		securityTopic: TopicSecurity,
	}
}

// PublishLogout publishes a logout event
func (p *WatermillPublisher) PublishLogout(ctx context.Context, userID, sessionID, tokenID string) error {
	event := LogoutEvent{
		UserID:    userID,
		SessionID: sessionID,
		TokenID:   tokenID,
	}
	return p.publish(ctx, p.logoutTopic, event)
}

// PublishSecurityAlert publishes a security alert for auditing consumers
func (p *WatermillPublisher) PublishSecurityAlert(ctx context.Context, alert core.SecurityAlert) error {
	return p.publish(ctx, p.securityTopic, alert)
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
