package pvoutput

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
)

type capture struct {
	mutex    sync.Mutex
	requests []url.Values
	headers  []http.Header
}

func (c *capture) count() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.requests)
}

func newTestServer(t *testing.T, status int) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		values, err := url.ParseQuery(string(body))
		require.NoError(t, err)

		c.mutex.Lock()
		c.requests = append(c.requests, values)
		c.headers = append(c.headers, r.Header.Clone())
		c.mutex.Unlock()

		w.WriteHeader(status)
		_, _ = w.Write([]byte("OK 200: Added Status"))
	}))
	t.Cleanup(server.Close)
	return server, c
}

func testConfig(endpoint string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.TimeZone = "UTC"
	cfg.PVOutput.Enabled = true
	cfg.PVOutput.URL = endpoint
	cfg.PVOutput.APIKey = "test-api-key"
	cfg.PVOutput.SystemID = "12345"
	cfg.PVOutput.UpdateLimitMinutes = 5
	return cfg
}

func testIdentity() *domain.EcuIdentity {
	return &domain.EcuIdentity{
		ID:               "216000123412",
		LastSystemPower:  742,
		CurrentDayEnergy: 3.21,
	}
}

func TestNoopClient(t *testing.T) {
	client := NewNoopClient()
	assert.NoError(t, client.Connect())
	assert.NoError(t, client.Send(context.Background(), testIdentity()))
	assert.NoError(t, client.Close())
}

func TestClientSend(t *testing.T) {
	server, c := newTestServer(t, http.StatusOK)
	client := NewClient(testConfig(server.URL))
	client.now = func() time.Time { return time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC) }

	require.NoError(t, client.Connect())
	require.NoError(t, client.Send(context.Background(), testIdentity()))
	require.Equal(t, 1, c.count())

	got := c.requests[0]
	assert.Equal(t, "test-api-key", got.Get("key"))
	assert.Equal(t, "12345", got.Get("sid"))
	assert.Equal(t, "20240601", got.Get("d"))
	assert.Equal(t, "12:34", got.Get("t"))
	assert.Equal(t, "3210", got.Get("v1"))
	assert.Equal(t, "742", got.Get("v2"))
	assert.Equal(t, "application/x-www-form-urlencoded", c.headers[0].Get("Content-Type"))
	assert.NoError(t, client.Close())
}

func TestClientSendWithoutEnergyToday(t *testing.T) {
	server, c := newTestServer(t, http.StatusOK)
	cfg := testConfig(server.URL)
	cfg.PVOutput.DisableEnergyToday = true
	client := NewClient(cfg)

	require.NoError(t, client.Send(context.Background(), testIdentity()))
	require.Equal(t, 1, c.count())
	assert.Empty(t, c.requests[0].Get("v1"))
	assert.Equal(t, "742", c.requests[0].Get("v2"))
}

func TestClientRateLimit(t *testing.T) {
	server, c := newTestServer(t, http.StatusOK)
	client := NewClient(testConfig(server.URL))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return now }

	require.NoError(t, client.Send(context.Background(), testIdentity()))
	now = now.Add(4 * time.Minute)
	require.NoError(t, client.Send(context.Background(), testIdentity()))
	assert.Equal(t, 1, c.count())

	now = now.Add(time.Minute)
	require.NoError(t, client.Send(context.Background(), testIdentity()))
	assert.Equal(t, 2, c.count())
}

func TestClientErrors(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		server, c := newTestServer(t, http.StatusOK)
		cfg := testConfig(server.URL)
		cfg.PVOutput.Enabled = false
		assert.NoError(t, NewClient(cfg).Send(context.Background(), testIdentity()))
		assert.Equal(t, 0, c.count())
	})

	t.Run("missing credentials", func(t *testing.T) {
		cfg := testConfig("http://127.0.0.1:1")
		cfg.PVOutput.APIKey = ""
		assert.Error(t, NewClient(cfg).Send(context.Background(), testIdentity()))
	})

	t.Run("server error", func(t *testing.T) {
		server, _ := newTestServer(t, http.StatusUnauthorized)
		client := NewClient(testConfig(server.URL))
		err := client.Send(context.Background(), testIdentity())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")

		// a failed upload does not consume the rate limit
		assert.True(t, client.canUpdate("216000123412"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		server, _ := newTestServer(t, http.StatusOK)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, NewClient(testConfig(server.URL)).Send(ctx, testIdentity()))
	})
}

func TestClientConnectRequiresCredentials(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.PVOutput.APIKey = ""
	assert.Error(t, NewClient(cfg).Connect())

	cfg = testConfig("http://127.0.0.1:1")
	cfg.PVOutput.SystemID = ""
	assert.Error(t, NewClient(cfg).Connect())
}
