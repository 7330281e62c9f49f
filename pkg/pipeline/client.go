package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshxdata/blobvault/internal/config"
	"github.com/meshxdata/blobvault/internal/retry"
)

// Typed submission failures.
var (
	ErrRejected     = errors.New("pipeline: job rejected by control plane")
	ErrUnauthorized = errors.New("pipeline: not authorized")
	ErrJobNotFound  = errors.New("pipeline: job not found")
)

// SubmitResult is the control plane's acknowledgement of a job.
type SubmitResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// JobStatus reports a submitted job's current state.
type JobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Client submits job documents to the control-plane API.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient builds a control-plane client. Transient HTTP failures are
// retried per the policy via the retrying transport.
func NewClient(cfg config.PipelineConfig, policy retry.Policy) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: &retry.Transport{Policy: policy},
		},
	}
}

// Submit serializes the job and POSTs it to the control plane.
func (c *Client) Submit(ctx context.Context, job *Job) (*SubmitResult, error) {
	body, err := job.JSON()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.errorFromResponse(resp)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("malformed submit response: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"job":    job.Name,
		"id":     result.ID,
		"status": result.Status,
	}).Info("Pipeline job submitted")

	return &result, nil
}

// Status fetches the state of a submitted job.
func (c *Client) Status(ctx context.Context, id string) (*JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/jobs/"+id, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(resp)
	}

	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return &status, nil
}

// Cancel asks the control plane to stop a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/jobs/"+id+"/cancel", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return c.errorFromResponse(resp)
	}
	return nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	detail := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		detail = payload.Error
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrJobNotFound, detail)
	default:
		return fmt.Errorf("control plane returned %d: %s", resp.StatusCode, detail)
	}
}
