// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultURL = "https://pvoutput.org/service/r2/addstatus.jsp"

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.EcuIdentity) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config        *config.Config
	httpClient    *http.Client
	logger        zerolog.Logger
	now           func() time.Time
	lastUpdateMap map[string]time.Time
	mutex         sync.Mutex
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        log.With().Str("component", "pvoutput").Logger(),
		now:           time.Now,
		lastUpdateMap: make(map[string]time.Time),
	}
}

// Connect checks the credentials. Each upload is an independent request.
func (c *Client) Connect() error {
	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("pvoutput: api_key and system_id are required")
	}
	return nil
}

// Send uploads today's energy and the current system power of the ECU.
// Updates arriving faster than update_limit_minutes are skipped.
func (c *Client) Send(ctx context.Context, identity *domain.EcuIdentity) error {
	if !c.config.PVOutput.Enabled {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	if !c.canUpdate(identity.ID) {
		c.logger.Debug().Msg("Skipping update due to rate limit")
		return nil
	}

	now := c.now().In(c.config.Location())
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)
	params.Set("d", now.Format("20060102"))
	params.Set("t", now.Format("15:04"))

	if !c.config.PVOutput.DisableEnergyToday && identity.CurrentDayEnergy > 0 {
		// kWh to Wh
		params.Set("v1", strconv.FormatFloat(identity.CurrentDayEnergy*1000, 'f', 0, 64))
	}
	params.Set("v2", strconv.Itoa(identity.LastSystemPower))

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.updateTimestamp(identity.ID)
	c.logger.Debug().
		Int("power", identity.LastSystemPower).
		Float64("energy_today", identity.CurrentDayEnergy).
		Msg("Status uploaded")
	return nil
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	endpoint := c.config.PVOutput.URL
	if endpoint == "" {
		endpoint = defaultURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("PVOutput returned status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(ecuID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[ecuID]
	if !exists {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return c.now().Sub(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(ecuID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[ecuID] = c.now()
}
