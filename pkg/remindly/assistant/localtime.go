package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalTimeResolver reports the server's local wall-clock time, used to
// anchor relative expressions like "in 20 minutes" in user messages.
type LocalTimeResolver interface {
	LocalTime(ctx context.Context) (string, error)
}

// IPInfoResolver resolves the timezone from the server's public IP via
// ipinfo.io and formats the current time in it.
type IPInfoResolver struct {
	endpoint   string
	httpClient *http.Client
	now        func() time.Time
}

// NewIPInfoResolver creates a resolver against ipinfo.io.
func NewIPInfoResolver() *IPInfoResolver {
	return &IPInfoResolver{
		endpoint:   "https://ipinfo.io/json",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// LocalTime returns the current time in the detected timezone, RFC3339.
func (r *IPInfoResolver) LocalTime(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geolocation API returned %d", resp.StatusCode)
	}

	var info struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", fmt.Errorf("decoding geolocation response: %w", err)
	}
	if info.Timezone == "" {
		return "", fmt.Errorf("geolocation response missing timezone")
	}

	loc, err := time.LoadLocation(info.Timezone)
	if err != nil {
		return "", fmt.Errorf("loading timezone %s: %w", info.Timezone, err)
	}
	return r.now().In(loc).Format(time.RFC3339), nil
}

// FixedZoneResolver reports time in a configured location, for
// deployments where the IP lookup is unwanted.
type FixedZoneResolver struct {
	loc *time.Location
	now func() time.Time
}

// NewFixedZoneResolver resolves against a named timezone like
// "Asia/Kolkata". An empty name means the system local zone.
func NewFixedZoneResolver(name string) (*FixedZoneResolver, error) {
	loc := time.Local
	if name != "" {
		var err error
		loc, err = time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %s: %w", name, err)
		}
	}
	return &FixedZoneResolver{loc: loc, now: time.Now}, nil
}

func (r *FixedZoneResolver) LocalTime(context.Context) (string, error) {
	return r.now().In(r.loc).Format(time.RFC3339), nil
}
