// Package restapi talks to the chat server's HTTP API for history,
// message mutations and uploads.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rpggio/parley/internal/domain/message"
	"github.com/rpggio/parley/internal/repository"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

var (
	_ repository.MessageRepository = (*Client)(nil)
	_ repository.UploadRepository  = (*Client)(nil)
)

// ErrNoURL indicates an upload response without a file URL.
var ErrNoURL = errors.New("upload response has no url")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client calls the HTTP API with a bearer token.
type Client struct {
	base       *url.URL
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client for the API rooted at baseURL.
func New(baseURL, token string, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid api base URL %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{base: base, token: token, httpClient: httpClient, logger: logger}, nil
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type uploadResult struct {
	URL     string `json:"url"`
	FileURL string `json:"file_url"`
}

// History returns the messages of a conversation.
func (c *Client) History(ctx context.Context, conversationID string) ([]message.Message, error) {
	var out envelope[[]message.Message]
	if err := c.doJSON(ctx, http.MethodGet, messagesPath(conversationID), nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Send creates a message and returns the server's copy.
func (c *Client) Send(ctx context.Context, conversationID string, msg message.Outgoing) (message.Message, error) {
	var out envelope[message.Message]
	if err := c.doJSON(ctx, http.MethodPost, messagesPath(conversationID), msg, &out); err != nil {
		return message.Message{}, err
	}
	return out.Data, nil
}

// Edit replaces the text of a message.
func (c *Client) Edit(ctx context.Context, conversationID, messageID, text string) (message.Message, error) {
	var out envelope[message.Message]
	body := map[string]string{"text": text}
	if err := c.doJSON(ctx, http.MethodPatch, messagePath(conversationID, messageID), body, &out); err != nil {
		return message.Message{}, err
	}
	return out.Data, nil
}

// Delete deletes a message.
func (c *Client) Delete(ctx context.Context, conversationID, messageID string) error {
	return c.doJSON(ctx, http.MethodDelete, messagePath(conversationID, messageID), nil, nil)
}

// Upload sends r as a multipart file and returns its URL.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("build upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	var out envelope[uploadResult]
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Data.URL != "" {
		return out.Data.URL, nil
	}
	if out.Data.FileURL != "" {
		return out.Data.FileURL, nil
	}
	return "", ErrNoURL
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request",
		"method", req.Method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func messagesPath(conversationID string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

func messagePath(conversationID, messageID string) string {
	return messagesPath(conversationID) + "/" + url.PathEscape(messageID)
}
