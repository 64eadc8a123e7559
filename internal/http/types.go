package http

import (
	"harvest/internal/health"
	"harvest/internal/model"
)

// ErrorResponse is the error envelope every endpoint returns.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// StartJobRequest is the body of POST /v1/jobs.
type StartJobRequest struct {
	Items []string `json:"items"`
}

type JobResponse struct {
	Success bool      `json:"success"`
	Job     model.Job `json:"job"`
}

type HealthResponse struct {
	Success bool            `json:"success"`
	Health  health.Snapshot `json:"health"`
}
