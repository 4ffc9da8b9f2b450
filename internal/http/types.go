package http

import "github.com/fyrsmithlabs/codeloop/internal/scheduler"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string         `json:"status"`
	Tasks  map[string]int `json:"tasks"`
}

// SubmitResponse is the response body for POST /api/v1/tasks.
type SubmitResponse struct {
	Accepted []string `json:"accepted"`
}

// ListResponse is the response body for GET /api/v1/tasks.
type ListResponse struct {
	Tasks  []scheduler.Snapshot `json:"tasks"`
	Counts map[string]int       `json:"counts"`
}

// CancelResponse is the response body for POST /api/v1/tasks/:id/cancel.
type CancelResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}
