package course

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// APIError is returned when the grading service answers with a non-success
// status.
type APIError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *APIError) Error() string {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return "grading service: not logged in"
	case http.StatusForbidden:
		return "grading service: permission denied"
	}
	return fmt.Sprintf("grading service request to %s failed with status %d: %s", e.URL, e.StatusCode, strings.TrimSpace(e.Body))
}

// HTTPProvider fetches course metadata from the grading service JSON API.
type HTTPProvider struct {
	baseURL   string
	tokenFile string
	userAgent string
	client    *http.Client
}

// NewHTTPProvider creates a provider for the API rooted at baseURL. The bearer
// token is read from tokenFile on every request so rotated tokens are honoured.
func NewHTTPProvider(baseURL, tokenFile, version string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		tokenFile: tokenFile,
		userAgent: "coursesyncd/" + version,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Course(ctx context.Context) (Course, error) {
	var c Course
	if err := p.do(ctx, http.MethodGet, "/api/v1/course", nil, &c); err != nil {
		return Course{}, err
	}
	return c, nil
}

func (p *HTTPProvider) Assignments(ctx context.Context) ([]Assignment, error) {
	var assignments []Assignment
	if err := p.do(ctx, http.MethodGet, "/api/v1/assignments/self", nil, &assignments); err != nil {
		return nil, err
	}
	return assignments, nil
}

// RecordSubmission registers a pushed commit as a submission for an assignment.
func (p *HTTPProvider) RecordSubmission(ctx context.Context, assignmentID, commitID string) error {
	body := map[string]string{
		"assignment_id": assignmentID,
		"commit_id":     commitID,
	}
	return p.do(ctx, http.MethodPost, "/api/v1/submission", body, nil)
}

func (p *HTTPProvider) do(ctx context.Context, method, endpoint string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := p.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.tokenFile != "" {
		token, err := os.ReadFile(p.tokenFile)
		if err != nil {
			return fmt.Errorf("failed to read API token file: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("grading service request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
