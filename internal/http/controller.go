package http

import (
	"context"

	"github.com/google/uuid"

	"harvest/internal/health"
	"harvest/internal/jobs"
	"harvest/internal/model"
)

// Controller is the job control surface the handlers drive. uuid.Nil
// addresses the live job.
type Controller interface {
	Start(ctx context.Context, items []string) (model.Job, error)
	Resume(ctx context.Context, id uuid.UUID) (model.Job, error)
	Pause(ctx context.Context, id uuid.UUID) (model.Job, error)
	Stop(ctx context.Context, id uuid.UUID) (model.Job, error)
	Job(ctx context.Context, id uuid.UUID) (model.Job, error)
	Status(ctx context.Context, id uuid.UUID) (health.Snapshot, error)
}

// NewController exposes an orchestrator as a Controller.
func NewController(o *jobs.Orchestrator) Controller {
	return orchestratorController{o}
}

type orchestratorController struct {
	*jobs.Orchestrator
}

func (c orchestratorController) Start(ctx context.Context, items []string) (model.Job, error) {
	h, err := c.Orchestrator.Start(ctx, items)
	if err != nil {
		return model.Job{}, err
	}
	return h.Snapshot(), nil
}

func (c orchestratorController) Resume(ctx context.Context, id uuid.UUID) (model.Job, error) {
	h, err := c.Orchestrator.Resume(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	return h.Snapshot(), nil
}
