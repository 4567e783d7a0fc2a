// Package network is the HTTP transport of the upload client. It speaks the multipart protocol of
// the upload server for whole-file, batch and chunk submissions.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-chunkupload/transfer"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Client talks to the upload server.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	logger     log.Logger
}

// NewClient creates a Client for baseURL. Failed requests are retried at most retries times;
// zero disables automatic retries.
func NewClient(baseURL string, retries int, logger log.Logger) *Client {
	httpClient := retryhttp.NewClient(logger)
	httpClient.RetryMax = retries
	httpClient.CheckRetry = createCustomRetryFunction(logger)
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return NewClientWithHTTPClient(httpClient, baseURL, logger)
}

// NewClientWithHTTPClient creates a Client that sends requests through httpClient.
func NewClientWithHTTPClient(httpClient *retryablehttp.Client, baseURL string, logger log.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     logger,
	}
}

// UploadChunk submits one chunk of a transfer.
func (c *Client) UploadChunk(ctx context.Context, chunk transfer.Chunk) (transfer.ChunkResponse, error) {
	body, contentType, err := chunkBody(chunk)
	if err != nil {
		return transfer.ChunkResponse{}, transfer.NewError(transfer.KindInvalidInput, "upload chunk", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+transfer.PathUploadChunk, body)
	if err != nil {
		return transfer.ChunkResponse{}, transfer.NewError(transfer.KindTransport, "upload chunk", err)
	}
	req.Header.Set("Content-Type", contentType)

	var response transfer.ChunkResponse
	if err := c.do(req, "upload chunk", &response, http.StatusOK, http.StatusAccepted); err != nil {
		return transfer.ChunkResponse{}, err
	}

	return response, nil
}

// TransferStatus returns the server-side state of a chunked transfer.
func (c *Client) TransferStatus(ctx context.Context, transferID string) (transfer.TransferStatus, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.transferURL(transferID), nil)
	if err != nil {
		return transfer.TransferStatus{}, transfer.NewError(transfer.KindTransport, "transfer status", err)
	}

	var status transfer.TransferStatus
	if err := c.do(req, "transfer status", &status, http.StatusOK); err != nil {
		return transfer.TransferStatus{}, err
	}

	return status, nil
}

// AbortTransfer discards the chunks the server holds for transferID.
func (c *Client) AbortTransfer(ctx context.Context, transferID string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodDelete, c.transferURL(transferID), nil)
	if err != nil {
		return transfer.NewError(transfer.KindTransport, "abort transfer", err)
	}

	return c.do(req, "abort transfer", nil, http.StatusNoContent)
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (transfer.HealthResponse, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+transfer.PathHealth, nil)
	if err != nil {
		return transfer.HealthResponse{}, transfer.NewError(transfer.KindTransport, "health", err)
	}

	var response transfer.HealthResponse
	if err := c.do(req, "health", &response, http.StatusOK); err != nil {
		return transfer.HealthResponse{}, err
	}

	return response, nil
}

// ResolveURL turns a result URL returned by the server into an absolute URL.
func (c *Client) ResolveURL(ref string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	target, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse URL %s: %w", ref, err)
	}
	return base.ResolveReference(target).String(), nil
}

func (c *Client) transferURL(transferID string) string {
	return c.baseURL + transfer.PathUploadChunk + "/" + url.PathEscape(transferID)
}

// do sends req and decodes a JSON response into out when the status is one of accepted.
func (c *Client) do(req *retryablehttp.Request, op string, out interface{}, accepted ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transfer.NewError(transfer.KindTransport, op, err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if !contains(accepted, resp.StatusCode) {
		return transfer.NewError(transfer.KindTransport, op, unwrapError(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transfer.NewError(transfer.KindTransport, op, fmt.Errorf("decode response: %w", err))
	}

	return nil
}

// StatusError is returned when the server answers with an unexpected status code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var apiErr transfer.ErrorResponse
	if json.Unmarshal(errorResp, &apiErr) == nil && apiErr.Error != "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(errorResp))}
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
