package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/ekAI-datmh/DELAG-DATA-RETRIEVAL/internal/geo"
)

// ClientConfig configures the export API session. Credentials are optional:
// without them the client talks plain HTTP, which is what local test servers
// expect.
type ClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	// RequestInterval throttles consecutive remote requests. A cooperative
	// delay, not a token bucket; adequate at this concurrency.
	RequestInterval time.Duration
	DownloadTimeout time.Duration
	Retries         int
}

// Client is one authenticated session against the raster export API, shared
// by every fetcher. Passed in explicitly; there is no package-level session.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	clock      clockwork.Clock
	retries    int
	log        *zap.Logger
}

// NewClient builds the session. Pass a fake clock in tests to skip backoff
// sleeps; nil uses real time.
func NewClient(cfg ClientConfig, clock clockwork.Clock, log *zap.Logger) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	var hc *http.Client
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		hc = cc.Client(context.Background())
		hc.Timeout = timeout
	} else {
		hc = &http.Client{Timeout: timeout}
	}
	interval := cfg.RequestInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	retries := cfg.Retries
	if retries < 1 {
		retries = 3
	}
	return &Client{
		httpClient: hc,
		baseURL:    cfg.BaseURL,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		clock:      clock,
		retries:    retries,
		log:        log,
	}
}

// ExportRequest asks the provider to clip a collection to a footprint and
// time window, reduce it, and package the requested bands as a downloadable
// archive of single-band GeoTIFFs.
type ExportRequest struct {
	Collection string
	Footprint  geo.Footprint
	Start, End time.Time
	Bands      []string
	// Reducer is "first" for point-in-time products, "median" for
	// composites.
	Reducer string
	CRS     string
	Scale   float64
}

type exportResponse struct {
	Found       bool   `json:"found"`
	DownloadURL string `json:"download_url"`
}

// Export submits the query. An empty catalog result is reported as
// found=false, not as an error; errors mean the request itself failed.
func (c *Client) Export(ctx context.Context, req ExportRequest) (downloadURL string, found bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", false, err
	}

	region, err := req.Footprint.GeoJSON()
	if err != nil {
		return "", false, err
	}
	payload := map[string]interface{}{
		"collection": req.Collection,
		"region":     json.RawMessage(region),
		"start":      req.Start.UTC().Format(time.RFC3339),
		"end":        req.End.UTC().Format(time.RFC3339),
		"bands":      req.Bands,
		"crs":        req.CRS,
		"scale":      req.Scale,
	}
	if req.Reducer != "" {
		payload["reducer"] = req.Reducer
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal export request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/export", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", false, fmt.Errorf("export query failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var er exportResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
			return "", false, fmt.Errorf("failed to decode export response: %w", err)
		}
		if !er.Found || er.DownloadURL == "" {
			return "", false, nil
		}
		return er.DownloadURL, true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", false, fmt.Errorf("export query returned %d: %s", resp.StatusCode, msg)
	}
}

// Download retrieves the packaged result into dest, retrying transient
// failures with increasing backoff. One date's exhaustion is the caller's
// recoverable failure, never a batch abort.
func (c *Client) Download(ctx context.Context, url, dest string) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * 2 * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = c.downloadOnce(ctx, url, dest)
		if lastErr == nil {
			return nil
		}
		c.log.Warn("package download attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retries),
			zap.Error(lastErr))
	}
	return fmt.Errorf("download failed after %d attempts: %w", c.retries, lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("download returned %d: %s", resp.StatusCode, msg)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to write package: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}
