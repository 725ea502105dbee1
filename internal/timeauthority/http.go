package timeauthority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"racesync/internal/station"
)

// HTTPAuthority asks for the server time with GET <url>.
type HTTPAuthority struct {
	url    string
	client *http.Client
}

var _ station.TimeAuthority = (*HTTPAuthority)(nil)

// NewHTTPAuthority creates an authority for url. A nil client uses http.DefaultClient.
func NewHTTPAuthority(url string, client *http.Client) *HTTPAuthority {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAuthority{url: url, client: client}
}

func (a *HTTPAuthority) ServerTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return time.Time{}, fmt.Errorf("%w: %w", station.ErrTimeout, err)
		}
		return time.Time{}, fmt.Errorf("%w: %w", station.ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: reading response: %w", station.ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("%w: time authority returned %d: %s",
			station.ErrNetwork, resp.StatusCode, body)
	}

	var tr TimeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return time.Time{}, fmt.Errorf("decoding time response: %w", err)
	}
	if tr.UnixMs <= 0 {
		return time.Time{}, fmt.Errorf("time response has no unix_ms")
	}
	return tr.Time(), nil
}
