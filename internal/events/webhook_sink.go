package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/guildops/ticket-bridge/internal/config"
)

// WebhookSink forwards lifecycle events to the dashboard webhook. Delivery
// is best-effort: failures are logged and swallowed, never retried, and
// never surface to the publishing engine.
type WebhookSink struct {
	cfg    config.SinkConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSink creates the sink.
func NewWebhookSink(cfg config.SinkConfig, logger *zap.Logger) *WebhookSink {
	return &WebhookSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Register subscribes the sink to every lifecycle event type.
func (s *WebhookSink) Register(dispatcher Dispatcher) {
	if dispatcher == nil || strings.TrimSpace(s.cfg.WebhookURL) == "" {
		return
	}
	for _, eventType := range AllEventTypes {
		dispatcher.Subscribe(eventType, s.deliver)
	}
}

// deliver hands the event off and returns immediately. The publishing engine
// must never wait on the dashboard, so the POST runs on its own goroutine
// with its own deadline, detached from the publisher's context.
func (s *WebhookSink) deliver(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("webhook sink: marshal event", zap.Error(err))
		return nil
	}

	token, err := s.signToken(event)
	if err != nil {
		s.logger.Warn("webhook sink: sign token", zap.Error(err))
		return nil
	}

	go s.post(event, payload, token)
	return nil
}

func (s *WebhookSink) post(event Event, payload []byte, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("webhook sink: build request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook sink: delivery failed",
			zap.String("event_type", string(event.Type)),
			zap.String("ticket_id", event.TicketID),
			zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		s.logger.Warn("webhook sink: delivery rejected",
			zap.String("event_type", string(event.Type)),
			zap.Int("status", resp.StatusCode))
	}
}

// signToken mints a short-lived HS256 token identifying the originating
// guild so the dashboard can authenticate deliveries.
func (s *WebhookSink) signToken(event Event) (string, error) {
	ttl := time.Duration(s.cfg.TokenTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   event.GuildID,
		ID:        event.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.WebhookSecret))
	if err != nil {
		return "", fmt.Errorf("sign webhook token: %w", err)
	}
	return signed, nil
}
