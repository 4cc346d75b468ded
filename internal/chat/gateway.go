package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Gateway delivers replies back to the chat platform.
type Gateway interface {
	Send(ctx context.Context, chatIdentityID string, replies []string) error
}

type outboundMessage struct {
	ChatIdentityID string   `json:"chat_identity_id"`
	Replies        []string `json:"replies"`
}

// HTTPGateway posts replies as JSON to the platform gateway with a signed
// bearer token.
type HTTPGateway struct {
	url    string
	secret []byte
	client *http.Client
}

func NewHTTPGateway(url, secret string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{url: url, secret: []byte(secret), client: &http.Client{Timeout: timeout}}
}

func (g *HTTPGateway) Send(ctx context.Context, chatIdentityID string, replies []string) error {
	body, err := json.Marshal(outboundMessage{ChatIdentityID: chatIdentityID, Replies: replies})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if len(g.secret) > 0 {
		token, err := SignToken(g.secret, chatIdentityID, time.Minute)
		if err != nil {
			return fmt.Errorf("sign gateway token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post replies: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway responded %d", resp.StatusCode)
	}
	return nil
}

// LogGateway writes replies to the log; used when no gateway URL is set.
type LogGateway struct {
	logger *zap.SugaredLogger
}

func NewLogGateway(logger *zap.SugaredLogger) *LogGateway { return &LogGateway{logger: logger} }

func (g *LogGateway) Send(_ context.Context, chatIdentityID string, replies []string) error {
	for _, r := range replies {
		g.logger.Infow("chat reply", "chat_identity_id", chatIdentityID, "text", r)
	}
	return nil
}
