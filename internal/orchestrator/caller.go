package orchestrator

import (
	"context"

	"github.com/conclave-ai/conclave/internal/process"
	"github.com/conclave-ai/conclave/pkg/models"
)

// ManagerCaller is the production Generator: it resolves the tracked
// server for a model or instance key and calls its inference client.
type ManagerCaller struct {
	Manager *process.Manager
}

func (c *ManagerCaller) Generate(ctx context.Context, key string, req models.CompletionRequest) (*models.CompletionResult, error) {
	client, err := c.Manager.Client(key)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, req)
}
