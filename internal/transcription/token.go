package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenSource exchanges the long-lived API key for the single-use,
// short-lived token the streaming endpoint requires at handshake.
type TokenSource struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewTokenSource(endpoint, apiKey string) *TokenSource {
	return &TokenSource{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Fetch obtains a fresh token. Each token is good for one handshake.
func (t *TokenSource) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token endpoint returned %s: %s", resp.Status, body)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("token endpoint returned empty token")
	}
	return tr.Token, nil
}
