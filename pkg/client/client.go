package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/sciencelive/nanopub-viewer/internal/domain"
	"github.com/sciencelive/nanopub-viewer/internal/nanopub"
	"github.com/sciencelive/nanopub-viewer/internal/reconciler"
)

// DefaultPrefix is the route prefix of the versioned API
const DefaultPrefix = "/api/v1"

// Client is the API client for nanopub-viewer
type Client struct {
	baseURL    string
	prefix     string
	httpClient *http.Client
}

var _ reconciler.Checker = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithPrefix targets another route prefix, such as the legacy function path
func WithPrefix(prefix string) Option {
	return func(c *Client) {
		c.prefix = "/" + strings.Trim(prefix, "/")
	}
}

// NewClient creates a new API client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  DefaultPrefix,
		httpClient: &http.Client{
			// Submissions wait for run discovery, which takes up to half a minute
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-success answer from the API
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	// GitHubStatus is set when the API relayed an upstream failure
	GitHubStatus int
	Body         string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d", e.StatusCode)
}

// Submit sends a batch for processing
func (c *Client) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	var result domain.SubmitResult
	if err := c.post(ctx, "/process-nanopubs", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status reports where a batch stands. A 202 answer means still processing
// and is not an error.
func (c *Client) Status(ctx context.Context, handle domain.JobHandle) (*domain.StatusReport, error) {
	var report domain.StatusReport
	if err := c.get(ctx, "/get-results", handleParams(handle), &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Results fetches the result bundle of a batch. Unfinished batches yield a
// partial bundle.
func (c *Client) Results(ctx context.Context, handle domain.JobHandle) (*domain.ResultBundle, error) {
	var bundle domain.ResultBundle
	if err := c.get(ctx, "/get-full-results", handleParams(handle), &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// BranchResults fetches the files a run committed for a batch
func (c *Client) BranchResults(ctx context.Context, batchID string, runID int64) (*domain.BranchResults, error) {
	params := url.Values{}
	params.Set("batch_id", batchID)
	params.Set("workflow_run_id", strconv.FormatInt(runID, 10))

	var results domain.BranchResults
	if err := c.get(ctx, "/get-branch-results", params, &results); err != nil {
		return nil, err
	}
	return &results, nil
}

// Diagnostics describes the token the server is configured with
func (c *Client) Diagnostics(ctx context.Context) (*domain.TokenDiagnostics, error) {
	var d domain.TokenDiagnostics
	if err := c.get(ctx, "/debug-env", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// TestAccess asks the server to probe its GitHub access
func (c *Client) TestAccess(ctx context.Context) (*domain.AccessReport, error) {
	var report domain.AccessReport
	if err := c.post(ctx, "/test-github", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Nanopub fetches a nanopublication's RDF through the server
func (c *Client) Nanopub(ctx context.Context, uri string) (*nanopub.Document, error) {
	params := url.Values{}
	params.Set("url", uri)

	var doc nanopub.Document
	if err := c.get(ctx, "/nanopub", params, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// HealthCheck checks if the API is healthy
func (c *Client) HealthCheck(ctx context.Context) error {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil, &response); err != nil {
		return err
	}
	if response.Status != "ok" {
		return errors.Newf("unhealthy status: %s", response.Status)
	}
	return nil
}

func handleParams(handle domain.JobHandle) url.Values {
	params := url.Values{}
	params.Set("batch_id", handle.BatchID)
	if handle.RunID != nil {
		params.Set("workflow_run_id", strconv.FormatInt(*handle.RunID, 10))
	}
	return params
}

func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	u, err := url.Parse(c.baseURL + c.prefix + path)
	if err != nil {
		return errors.Wrap(err, "invalid API endpoint")
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	return c.do(ctx, http.MethodGet, u.String(), nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+c.prefix+path, reader, result)
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return newAPIError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, result); err != nil {
		return errors.Wrap(err, "decoding response")
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var payload struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		Code         string `json:"code"`
		GitHubStatus int    `json:"github_status"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Message = payload.Error
		if apiErr.Message == "" {
			apiErr.Message = payload.Message
		}
		apiErr.Code = payload.Code
		apiErr.GitHubStatus = payload.GitHubStatus
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}
