// Package openai is a thin client for the OpenAI Batch API: upload a JSONL
// file, create a batch against it, poll the batch, download its output.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ResponsesEndpoint is the per-line target endpoint for bulk submissions.
const ResponsesEndpoint = "/v1/responses"

const completionWindow = "24h"

// BatchStatus is the subset of the batch object the pipeline consumes.
type BatchStatus struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
}

type fileObject struct {
	ID string `json:"id"`
}

// Client talks to the OpenAI API over plain HTTP.
type Client struct {
	apiKey         string
	baseURL        string
	visionModel    string
	translateModel string
	maxRetries     int
	baseDelay      time.Duration
	httpClient     *http.Client
}

// NewClient creates a new OpenAI client.
func NewClient(apiKey, baseURL, visionModel, translateModel string, maxRetries int, baseDelay time.Duration) *Client {
	return &Client{
		apiKey:         apiKey,
		baseURL:        baseURL,
		visionModel:    visionModel,
		translateModel: translateModel,
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}
}

// StartBatch uploads the JSONL submission and creates a batch targeting
// endpoint. Returns the batch id assigned by the service.
func (c *Client) StartBatch(ctx context.Context, jsonl []byte, endpoint string) (string, error) {
	fileID, err := c.uploadFile(ctx, jsonl)
	if err != nil {
		return "", fmt.Errorf("failed to upload batch file: %w", err)
	}

	reqBody, err := json.Marshal(map[string]string{
		"input_file_id":     fileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	})
	if err != nil {
		return "", err
	}

	var batch BatchStatus
	if err := c.doJSON(ctx, http.MethodPost, "/v1/batches", reqBody, "application/json", &batch); err != nil {
		return "", fmt.Errorf("failed to create batch: %w", err)
	}
	return batch.ID, nil
}

// RetrieveBatch fetches the current status of a batch.
func (c *Client) RetrieveBatch(ctx context.Context, batchID string) (*BatchStatus, error) {
	var batch BatchStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/batches/"+batchID, nil, "", &batch); err != nil {
		return nil, fmt.Errorf("failed to retrieve batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// FileContent downloads a file's raw content (JSONL for batch outputs).
func (c *Client) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/v1/files/"+fileID+"/content", nil, "")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) uploadFile(ctx context.Context, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", "batch.jsonl")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(jsonl); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	var file fileObject
	if err := c.doJSON(ctx, http.MethodPost, "/v1/files", buf.Bytes(), writer.FormDataContentType(), &file); err != nil {
		return "", err
	}
	return file.ID, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, contentType string, out interface{}) error {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, method, path, body, contentType)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// doWithRetry retries transient upstream failures (429 and 5xx) with
// exponential backoff. Other non-2xx statuses fail immediately.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if !retriableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("OpenAI API returned status %d: %s", resp.StatusCode, string(raw))
		}
		lastErr = fmt.Errorf("OpenAI API returned status %d: %s", resp.StatusCode, string(raw))
	}
	return nil, fmt.Errorf("OpenAI max retries reached: %w", lastErr)
}

func retriableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
