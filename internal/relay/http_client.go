package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPClient talks to the chat-platform gateway over its internal HTTP API.
// The gateway owns the actual platform session; this adapter only carries
// intent.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds the adapter. The bearer token is the decrypted relay
// credential for the category being served.
func NewHTTPClient(baseURL, token string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) CreateThread(ctx context.Context, parentChannelID, name string) (string, error) {
	var out struct {
		ChannelID string `json:"channel_id"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/"+parentChannelID+"/threads",
		map[string]any{"name": name}, &out)
	if err != nil {
		return "", err
	}
	return out.ChannelID, nil
}

func (c *HTTPClient) PostMessage(ctx context.Context, channelID, content string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages",
		map[string]any{"content": content}, nil)
}

func (c *HTTPClient) SetChannelName(ctx context.Context, channelID, name string) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID,
		map[string]any{"name": name}, nil)
}

func (c *HTTPClient) SetLabels(ctx context.Context, channelID string, labels []string) error {
	return c.do(ctx, http.MethodPut, "/channels/"+channelID+"/labels",
		map[string]any{"labels": labels}, nil)
}

func (c *HTTPClient) Lock(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/lock", nil, nil)
}

func (c *HTTPClient) Archive(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/archive", nil, nil)
}

func (c *HTTPClient) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/channels/"+channelID, nil)
	if err != nil {
		return false, err
	}
	c.authorize(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("relay gateway: fetch channel %s: status %d", channelID, resp.StatusCode)
	}
	return true, nil
}

func (c *HTTPClient) SendDirectMessage(ctx context.Context, userID, content string) (bool, error) {
	var out struct {
		Delivered bool `json:"delivered"`
	}
	err := c.do(ctx, http.MethodPost, "/users/"+userID+"/messages",
		map[string]any{"content": content}, &out)
	if err != nil {
		return false, err
	}
	return out.Delivered, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("relay gateway: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
