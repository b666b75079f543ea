// Package transfer is the client half of the chunked transfer protocol:
// open/resume a session, send a chunk, finalize, query status. The
// server's reported progress is authoritative on resume; the client
// accepts re-sending work it believed acknowledged over risking gaps.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/Maahir-AI-Robo/bagferry/internal/models"
)

// Client talks to one receiving server.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a protocol client for the given endpoint. timeout
// bounds each individual operation (init, chunk send, finalize, status);
// it is not a whole-transfer deadline.
func NewClient(baseURL, authToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// InitSession opens a new transfer session or resumes the one the
// server already holds for this task identity. The response lists the
// chunk indices the server has; the caller must treat that list as the
// source of truth for what has landed.
func (c *Client) InitSession(ctx context.Context, req *models.InitRequest) (*models.InitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode init request: %w", err)
	}

	resp, err := c.request(ctx, http.MethodPost, "/api/transfer/init", bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}

	var out models.InitResponse
	if err := c.handleResponse(resp, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// SendChunk transmits one chunk payload with its index and checksum.
// Re-sending an already-stored chunk with a matching checksum is a
// no-op success; a mismatch on a stored index returns ErrChunkConflict.
func (c *Client) SendChunk(ctx context.Context, sessionID string, index int, checksum string, payload []byte) (*models.ChunkResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("checksum", checksum); err != nil {
		return nil, fmt.Errorf("failed to write checksum field: %w", err)
	}

	part, err := writer.CreateFormFile("chunk", "chunk")
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk form: %w", err)
	}
	if _, err := part.Write(payload); err != nil {
		return nil, fmt.Errorf("failed to write chunk payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close chunk writer: %w", err)
	}

	path := fmt.Sprintf("/api/transfer/chunk/%s/%d", sessionID, index)
	resp, err := c.request(ctx, http.MethodPost, path, &buf, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var out models.ChunkResponse
	if err := c.handleResponse(resp, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Finalize asks the server to verify completeness and the whole-file
// checksum, then atomically publish the assembled file. On verification
// failure the returned *VerifyError names exactly the chunks to re-send.
func (c *Client) Finalize(ctx context.Context, sessionID, checksum string) (*models.FinalizeResponse, error) {
	body, err := json.Marshal(models.FinalizeRequest{Checksum: checksum})
	if err != nil {
		return nil, fmt.Errorf("failed to encode finalize request: %w", err)
	}

	path := fmt.Sprintf("/api/transfer/finalize/%s", sessionID)
	resp, err := c.request(ctx, http.MethodPost, path, bytes.NewReader(body), "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		var verr models.FinalizeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&verr); err == nil &&
			(len(verr.MissingChunks) > 0 || len(verr.MismatchedChunks) > 0) {
			return nil, &VerifyError{
				MissingChunks:    verr.MissingChunks,
				MismatchedChunks: verr.MismatchedChunks,
			}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: verr.Code, Message: verr.Error}
	}

	if resp.StatusCode >= 400 {
		return nil, c.decodeError(resp)
	}

	var out models.FinalizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode finalize response: %w", err)
	}

	return &out, nil
}

// Status queries a session's progress. Read-only and side-effect-free.
func (c *Client) Status(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error) {
	path := fmt.Sprintf("/api/transfer/status/%s", sessionID)
	resp, err := c.request(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}

	var out models.SessionStatusResponse
	if err := c.handleResponse(resp, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// Health probes server reachability with the caller's (short) context
// deadline. Used by the network monitor.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.request(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

// request makes an HTTP request to the server.
func (c *Client) request(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// handleResponse checks for errors and decodes the JSON response body.
func (c *Client) handleResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.decodeError(resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// decodeError maps an error response onto the client's error taxonomy.
func (c *Client) decodeError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		errResp.Error = resp.Status
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Code:       errResp.Code,
		Message:    errResp.Error,
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && errResp.Code == "SESSION_NOT_FOUND":
		apiErr.Err = ErrSessionNotFound
	case resp.StatusCode == http.StatusConflict:
		apiErr.Err = ErrChunkConflict
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
		apiErr.Err = ErrRejected
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Err = ErrServerBusy
	}

	return apiErr
}
