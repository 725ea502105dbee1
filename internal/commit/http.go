package commit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"racesync/internal/config"
	"racesync/internal/station"
)

// DefaultTimeout bounds a commit when the config leaves it unset.
const DefaultTimeout = 10 * time.Second

// HTTPCommitter posts punches to the backend as JSON.
type HTTPCommitter struct {
	url    string
	apiKey string
	client *http.Client
}

var _ station.Committer = (*HTTPCommitter)(nil)

// NewHTTPCommitter creates a committer from configuration. When a token is
// configured every request carries it as a bearer credential.
func NewHTTPCommitter(cfg config.CommitConfig) (*HTTPCommitter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("commit.url is required")
	}

	client := &http.Client{}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), ts)
	}
	client.Timeout = cfg.Timeout.Duration
	if client.Timeout <= 0 {
		client.Timeout = DefaultTimeout
	}

	return &HTTPCommitter{url: cfg.URL, apiKey: cfg.APIKey, client: client}, nil
}

// Commit posts op and classifies the outcome:
//
//	2xx, 409        nil (409 means the backend already has this ID)
//	408, 429, 5xx   ErrNetwork
//	other 4xx       ErrValidation
//
// Transport failures wrap ErrNetwork, or ErrTimeout when the deadline passed.
func (c *HTTPCommitter) Commit(ctx context.Context, op *station.QueuedOperation) error {
	body, err := json.Marshal(NewPunchRequest(op))
	if err != nil {
		return fmt.Errorf("encoding punch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(IdempotencyHeader, op.ID)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: posting punch %s: %w", station.ErrTimeout, op.ID, err)
		}
		return fmt.Errorf("%w: posting punch %s: %w", station.ErrNetwork, op.ID, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return &station.CommitError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			Err:        station.ErrNetwork,
		}
	default:
		return &station.CommitError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
			Err:        station.ErrValidation,
		}
	}
}

// errorMessage extracts the backend's message from a JSON error body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(body))
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
