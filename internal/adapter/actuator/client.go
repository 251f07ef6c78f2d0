// Package actuator delivers fan commands to the per-device toggle servers.
// Delivery is asynchronous: the control loop queues commands on a Worker and
// never waits on an actuator's network round trip.
package actuator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/climate-control-etl/internal/domain"
)

// Client talks to the HTTP toggle servers that switch fan power.
type Client struct {
	endpoints  map[string]string // device id -> base URL
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a toggle server client for the configured endpoints.
func NewClient(endpoints map[string]string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		endpoints: endpoints,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Send issues GET /on or /off to the device's toggle server. Any 2xx
// response counts as the acknowledgement.
func (c *Client) Send(ctx context.Context, deviceID string, command domain.ActuatorCommand) error {
	base, ok := c.endpoints[deviceID]
	if !ok {
		return fmt.Errorf("no actuator endpoint for device %q", deviceID)
	}

	var path string
	switch command {
	case domain.CommandOn:
		path = "/on"
	case domain.CommandOff:
		path = "/off"
	default:
		return fmt.Errorf("unknown actuator command %q", command)
	}

	return c.get(ctx, base+path, nil)
}

// Status fetches the toggle server's probe of the actual fan power state.
func (c *Client) Status(ctx context.Context, deviceID string) (DeviceStatus, error) {
	base, ok := c.endpoints[deviceID]
	if !ok {
		return DeviceStatus{}, fmt.Errorf("no actuator endpoint for device %q", deviceID)
	}

	var resp statusResponse
	if err := c.get(ctx, base+"/status", &resp); err != nil {
		return DeviceStatus{}, err
	}
	return DeviceStatus{DeviceID: deviceID, PowerOn: resp.USBEnabled}, nil
}

func (c *Client) get(ctx context.Context, fullURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("actuator request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("actuator error: status %d: %s", resp.StatusCode, body)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DeviceStatus is the toggle server's view of one device.
type DeviceStatus struct {
	DeviceID string `json:"device_id"`
	// PowerOn is nil when the server's hardware probe could not tell.
	PowerOn *bool `json:"power_on"`
}

// Toggle server response types. The servers probe the USB hub after every
// action and report the observed power state.
type statusResponse struct {
	Action     string `json:"action"`
	USBEnabled *bool  `json:"usb_enabled"`
}
