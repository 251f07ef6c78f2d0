package actuator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

const testDevice = "rpi-cellar"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(baseURL string) *Client {
	return NewClient(map[string]string{testDevice: baseURL}, 5*time.Second, testLogger())
}

func TestClient_Send(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"action": "on", "usb_enabled": true}))
	}))
	defer srv.Close()

	c := testClient(srv.URL)

	require.NoError(t, c.Send(context.Background(), testDevice, domain.CommandOn))
	assert.Equal(t, "/on", gotPath)

	require.NoError(t, c.Send(context.Background(), testDevice, domain.CommandOff))
	assert.Equal(t, "/off", gotPath)
}

func TestClient_Send_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "uhubctl failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := testClient(srv.URL).Send(context.Background(), testDevice, domain.CommandOn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "uhubctl failed")
}

func TestClient_Send_UnknownDevice(t *testing.T) {
	c := NewClient(map[string]string{}, time.Second, testLogger())

	err := c.Send(context.Background(), "ghost", domain.CommandOn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no actuator endpoint")
}

func TestClient_Send_UnknownCommand(t *testing.T) {
	c := testClient("http://unused.invalid")

	err := c.Send(context.Background(), testDevice, domain.ActuatorCommand("reverse"))
	assert.Error(t, err)
}

func TestClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"action": "status", "usb_enabled": true}))
	}))
	defer srv.Close()

	status, err := testClient(srv.URL).Status(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Equal(t, testDevice, status.DeviceID)
	require.NotNil(t, status.PowerOn)
	assert.True(t, *status.PowerOn)
}

func TestClient_Status_ProbeUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// usb_enabled is null when the hub probe found no ports.
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"action": "status", "usb_enabled": nil}))
	}))
	defer srv.Close()

	status, err := testClient(srv.URL).Status(context.Background(), testDevice)
	require.NoError(t, err)
	assert.Nil(t, status.PowerOn)
}
