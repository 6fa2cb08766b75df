package notify

import (
	"context"
	"log/slog"
)

// Contact identifies a delivery target.
type Contact struct {
	Name  string
	Email string
}

// DeliveryResult reports the gateway's acknowledgement.
type DeliveryResult struct {
	Accepted   bool
	ProviderID string
}

// Gateway is the external email/SMS collaborator. Non-success is retryable
// and never fatal to the engine.
type Gateway interface {
	Send(ctx context.Context, contact Contact, template string, payload map[string]any) (DeliveryResult, error)
}

// LogGateway writes deliveries to the log instead of a provider. Used in
// development and in environments without outbound mail.
type LogGateway struct {
	Log *slog.Logger
}

func (g *LogGateway) Send(ctx context.Context, contact Contact, template string, payload map[string]any) (DeliveryResult, error) {
	g.Log.InfoContext(ctx, "delivery",
		slog.String("template", template),
		slog.String("to", contact.Email),
	)
	return DeliveryResult{Accepted: true}, nil
}
