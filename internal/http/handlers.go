package http

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"harvest/internal/health"
	"harvest/internal/jobs"
)

// currentJobID addresses the live job in place of a UUID.
const currentJobID = "current"

func startJobHandler(c *fiber.Ctx) error {
	ctrl := c.Locals("controller").(Controller)

	var req StartJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid JSON body",
		})
	}
	if len(req.Items) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "items is required",
		})
	}

	job, err := ctrl.Start(c.UserContext(), req.Items)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(JobResponse{Success: true, Job: job})
}

func jobStatusHandler(c *fiber.Ctx) error {
	ctrl := c.Locals("controller").(Controller)

	id, ok := parseJobID(c)
	if !ok {
		return badJobID(c)
	}
	job, err := ctrl.Job(c.UserContext(), id)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.JSON(JobResponse{Success: true, Job: job})
}

func pauseJobHandler(c *fiber.Ctx) error {
	ctrl := c.Locals("controller").(Controller)

	id, ok := parseJobID(c)
	if !ok {
		return badJobID(c)
	}
	job, err := ctrl.Pause(c.UserContext(), id)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.JSON(JobResponse{Success: true, Job: job})
}

func resumeJobHandler(c *fiber.Ctx) error {
	ctrl := c.Locals("controller").(Controller)

	id, ok := parseJobID(c)
	if !ok {
		return badJobID(c)
	}
	job, err := ctrl.Resume(c.UserContext(), id)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.JSON(JobResponse{Success: true, Job: job})
}

func stopJobHandler(c *fiber.Ctx) error {
	ctrl := c.Locals("controller").(Controller)

	id, ok := parseJobID(c)
	if !ok {
		return badJobID(c)
	}
	job, err := ctrl.Stop(c.UserContext(), id)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.JSON(JobResponse{Success: true, Job: job})
}

func jobHealthHandler(c *fiber.Ctx) error {
	ctrl := c.Locals("controller").(Controller)

	id, ok := parseJobID(c)
	if !ok {
		return badJobID(c)
	}
	snap, err := ctrl.Status(c.UserContext(), id)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.JSON(HealthResponse{Success: true, Health: snap})
}

// healthHandler serves the reporter's latest published snapshot, or
// computes one when nothing has been published yet.
func healthHandler(c *fiber.Ctx) error {
	if mem, ok := c.Locals("healthSink").(*health.MemorySink); ok && mem != nil {
		if snap, ok := mem.Latest(); ok {
			return c.JSON(HealthResponse{Success: true, Health: snap})
		}
	}
	ctrl := c.Locals("controller").(Controller)
	snap, err := ctrl.Status(c.UserContext(), uuid.Nil)
	if err != nil {
		return writeJobError(c, err)
	}
	return c.JSON(HealthResponse{Success: true, Health: snap})
}

func parseJobID(c *fiber.Ctx) (uuid.UUID, bool) {
	raw := strings.TrimSpace(c.Params("id"))
	if raw == currentJobID {
		return uuid.Nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func badJobID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
		Success: false,
		Code:    "BAD_REQUEST",
		Error:   "invalid job id",
	})
}

// writeJobError maps orchestrator errors onto HTTP statuses.
func writeJobError(c *fiber.Ctx, err error) error {
	status, code := fiber.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		status, code = fiber.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, jobs.ErrJobActive):
		status, code = fiber.StatusConflict, "JOB_ACTIVE"
	case errors.Is(err, jobs.ErrNotResumable):
		status, code = fiber.StatusConflict, "NOT_RESUMABLE"
	case errors.Is(err, jobs.ErrNoActiveJob):
		status, code = fiber.StatusConflict, "NO_ACTIVE_JOB"
	case errors.Is(err, jobs.ErrNoItems), errors.Is(err, jobs.ErrTooManyItems):
		status, code = fiber.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, jobs.ErrInvalidConfig):
		status, code = fiber.StatusUnprocessableEntity, "INVALID_CONFIG"
	case errors.Is(err, jobs.ErrPersistence):
		status, code = fiber.StatusServiceUnavailable, "PERSISTENCE_ERROR"
	}
	return c.Status(status).JSON(ErrorResponse{
		Success: false,
		Code:    code,
		Error:   err.Error(),
	})
}
