package push

import (
	"context"

	"chatcall-backend/pkg/resilience"
)

// ResilientProvider sends through a circuit breaker so a failing push
// backend is skipped instead of stalling every message and call.
type ResilientProvider struct {
	Provider
	breaker *resilience.Breaker
}

// NewResilientProvider wraps provider with breaker
func NewResilientProvider(provider Provider, breaker *resilience.Breaker) *ResilientProvider {
	return &ResilientProvider{Provider: provider, breaker: breaker}
}

// Send implements Provider interface
func (p *ResilientProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	var result *SendResult
	err := p.breaker.Execute(ctx, "send", func(ctx context.Context) error {
		r, err := p.Provider.Send(ctx, notification, tokens)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
