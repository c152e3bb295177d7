package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// Router dispatches model invocations to a tiered set of clients.
type Router struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.ChatModel
}

// NewRouter creates a router with the specified clients for each tier.
func NewRouter(logger *zap.Logger, fastClient, powerfulClient schemas.ChatModel) (*Router, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	return &Router{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.ChatModel{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
	}, nil
}

// Route returns the client for the given tier, defaulting to the powerful
// tier when unspecified.
func (r *Router) Route(tier schemas.ModelTier) (schemas.ChatModel, error) {
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return nil, fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	r.logger.Debug("Routing LLM request",
		zap.String("tier", string(tier)),
		zap.String("model", client.Model()),
	)
	return client, nil
}

// Invoke routes and invokes in one call.
func (r *Router) Invoke(ctx context.Context, tier schemas.ModelTier, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	client, err := r.Route(tier)
	if err != nil {
		return nil, err
	}
	return client.Invoke(ctx, messages, opts)
}
