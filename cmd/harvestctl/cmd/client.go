package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"harvest/internal/health"
	server "harvest/internal/http"
	"harvest/internal/model"
)

// Client calls the harvest control API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// StartJob sends POST /v1/jobs.
func (c *Client) StartJob(items []string) (model.Job, error) {
	var out server.JobResponse
	err := c.do(http.MethodPost, "/v1/jobs", server.StartJobRequest{Items: items}, &out)
	return out.Job, err
}

// GetJob sends GET /v1/jobs/{id}.
func (c *Client) GetJob(id string) (model.Job, error) {
	var out server.JobResponse
	err := c.do(http.MethodGet, "/v1/jobs/"+id, nil, &out)
	return out.Job, err
}

// Control sends POST /v1/jobs/{id}/{action} for pause, resume or stop.
func (c *Client) Control(id, action string) (model.Job, error) {
	var out server.JobResponse
	err := c.do(http.MethodPost, fmt.Sprintf("/v1/jobs/%s/%s", id, action), nil, &out)
	return out.Job, err
}

// Health sends GET /v1/jobs/{id}/health, or GET /v1/health when id is
// empty.
func (c *Client) Health(id string) (health.Snapshot, error) {
	path := "/v1/health"
	if id != "" {
		path = "/v1/jobs/" + id + "/health"
	}
	var out server.HealthResponse
	err := c.do(http.MethodGet, path, nil, &out)
	return out.Health, err
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Add("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var envelope server.ErrorResponse
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != "" {
			apiErr.Code, apiErr.Message = envelope.Code, envelope.Error
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
