package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/rsulzmann/repmachine/internal/link"
)

// FrameSender is the outbound half of the machine link.
type FrameSender interface {
	Send(v any) error
}

// Dispatcher issues control commands to the machine over its HTTP API and
// the WebSocket link. Commands are best-effort; callers surface failures as
// notifications.
type Dispatcher struct {
	baseURL string
	client  *http.Client
	sender  FrameSender
	logger  *log.Logger
}

// NewDispatcher creates a Dispatcher for the machine at baseURL (http://host).
func NewDispatcher(baseURL string, client *http.Client, sender FrameSender, logger *log.Logger) *Dispatcher {
	if sender == nil {
		panic("Dispatcher: sender cannot be nil")
	}
	if logger == nil {
		panic("Dispatcher: logger cannot be nil")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Dispatcher{baseURL: baseURL, client: client, sender: sender, logger: logger}
}

// Calibrate starts the machine's calibration routine. The resulting prompts
// arrive as cal_state telemetry, not in this response.
func (d *Dispatcher) Calibrate(ctx context.Context) error {
	d.logger.Println("Dispatcher: requesting calibration")
	return d.get(ctx, "/api/calibrate")
}

// Restart reboots the machine controller. The link drops and the reconnect
// loop picks it back up.
func (d *Dispatcher) Restart(ctx context.Context) error {
	d.logger.Println("Dispatcher: requesting restart")
	return d.get(ctx, "/api/restart")
}

// FetchSettings reads the controller-side settings document.
func (d *Dispatcher) FetchSettings(ctx context.Context) (HardwareConfig, error) {
	var config HardwareConfig
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/settings", nil)
	if err != nil {
		return config, fmt.Errorf("building settings request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return config, fmt.Errorf("fetching settings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return config, fmt.Errorf("fetching settings: unexpected status %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return config, fmt.Errorf("decoding settings: %w", err)
	}
	return config, nil
}

// UpdateSettings writes the controller-side settings document. Network
// changes may take effect only after a restart.
func (d *Dispatcher) UpdateSettings(ctx context.Context, config HardwareConfig) error {
	body, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/api/settings", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building settings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("updating settings: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("updating settings: unexpected status %s", resp.Status)
	}
	return nil
}

// SendThreshold pushes one channel's threshold over the link.
func (d *Dispatcher) SendThreshold(name string, value float64) error {
	return d.sender.Send(link.NewThresholdCommand(name, value))
}

func (d *Dispatcher) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("calling %s: unexpected status %s", path, resp.Status)
	}
	return nil
}
