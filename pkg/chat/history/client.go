// Package history provides the REST implementation of chat.HistoryAPI.
package history

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

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/campusmarket/chatsync/pkg/chat"
)

// Client talks to the backend's message-history endpoints. It implements
// chat.HistoryAPI.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithToken sets a bearer token attached to every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type sendRequest struct {
	Content   string   `json:"content"`
	ImageURLs []string `json:"imageUrls,omitempty"`
}

type sendResponse struct {
	Message chat.Message `json:"message"`
}

func (c *Client) FetchMessages(ctx context.Context, convID string, page, pageSize int) ([]chat.Message, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	u := fmt.Sprintf("%s/api/chats/%s/messages?%s", c.baseURL, url.PathEscape(convID), q.Encode())

	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, errors.Wrap(err, "fetch messages")
	}
	return resp.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, convID, content string, imageURLs []string) (chat.Message, error) {
	u := fmt.Sprintf("%s/api/chats/%s/messages", c.baseURL, url.PathEscape(convID))
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, u, sendRequest{Content: content, ImageURLs: imageURLs}, &resp); err != nil {
		return chat.Message{}, errors.Wrap(err, "send message")
	}
	return resp.Message, nil
}

func (c *Client) MarkAsRead(ctx context.Context, convID string) error {
	u := fmt.Sprintf("%s/api/chats/%s/read", c.baseURL, url.PathEscape(convID))
	if err := c.do(ctx, http.MethodPost, u, nil, nil); err != nil {
		return errors.Wrap(err, "mark as read")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request body")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Debug().Str("component", "history_client").Str("url", u).Int("status", resp.StatusCode).Msg("request failed")
		return errors.Errorf("%s %s: unexpected status %d: %s", method, u, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response body")
	}
	return nil
}

var _ chat.HistoryAPI = (*Client)(nil)
