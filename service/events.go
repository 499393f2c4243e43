package service

import (
	"context"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

type nopPublisher struct{}

func (nopPublisher) PublishLogout(context.Context, string, string, string) error { return nil }

func (nopPublisher) PublishSecurityAlert(context.Context, core.SecurityAlert) error { return nil }

func orNop(p ports.EventPublisher) ports.EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
