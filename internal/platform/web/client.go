package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/dontdude/classifyd/internal/domain"
)

// Client sends single items to a classification server.
type Client struct {
	url    string
	dialer *websocket.Dialer
}

// NewClient returns a client for the server at rawURL (ws:// or wss://).
func NewClient(rawURL string) *Client {
	return &Client{
		url:    rawURL,
		dialer: websocket.DefaultDialer,
	}
}

// Predict opens a connection, sends input and waits for the envelope.
// An empty classifierID uses the server's default classifier.
func (c *Client) Predict(ctx context.Context, classifierID, input string) (domain.Envelope, error) {
	target, err := url.Parse(c.url)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("invalid server url: %w", err)
	}
	if classifierID != "" {
		q := target.Query()
		q.Set("classifier", classifierID)
		target.RawQuery = q.Encode()
	}

	conn, _, err := c.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Unblock the read below when ctx ends.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	// The item travels as a JSON string literal so surrounding whitespace survives.
	payload, err := json.Marshal(input)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to encode input: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to send input: %w", err)
	}

	var env domain.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		if ctx.Err() != nil {
			return domain.Envelope{}, ctx.Err()
		}
		return domain.Envelope{}, fmt.Errorf("failed to read response: %w", err)
	}
	return env, nil
}
