package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vesaa/talonops/internal/models"
)

// ErrUnauthorized means the server rejected the device credentials.
var ErrUnauthorized = errors.New("server rejected device credentials (401)")

// Client talks to the data plane. Every request after enrollment carries
// X-Device-ID and "Authorization: Bearer <secret>".
type Client struct {
	base  string
	state State
	http  *http.Client
}

// NewClient returns a client for the data plane at base, e.g. "http://10.0.0.1:1616".
func NewClient(base string, state State) *Client {
	return &Client{
		base:  base,
		state: state,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// EnrollRequest is the body of POST /api/enroll.
type EnrollRequest struct {
	Token    string `json:"token"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip,omitempty"`
	OS       string `json:"os,omitempty"`
	Group    string `json:"group,omitempty"`
	AgentVer string `json:"agent_ver"`
}

// Enroll exchanges a token for credentials and keeps them on the client.
func (c *Client) Enroll(ctx context.Context, req EnrollRequest) (State, error) {
	var resp struct {
		DeviceID string `json:"device_id"`
		Secret   string `json:"secret"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/enroll", req, &resp); err != nil {
		return State{}, fmt.Errorf("enroll: %w", err)
	}
	c.state = State{DeviceID: resp.DeviceID, Secret: resp.Secret}
	return c.state, nil
}

// Heartbeat tells the server the device is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/heartbeat", struct{}{}, nil)
}

// Report posts one check result and returns how many alerts it fired.
func (c *Client) Report(ctx context.Context, checkType string, payload any) (int, error) {
	var resp struct {
		AlertsFired int `json:"alerts_fired"`
	}
	body := map[string]any{"check_type": checkType, "payload": payload}
	if err := c.do(ctx, http.MethodPost, "/api/telemetry", body, &resp); err != nil {
		return 0, fmt.Errorf("report %s: %w", checkType, err)
	}
	return resp.AlertsFired, nil
}

// Commands fetches the commands queued for this device.
func (c *Client) Commands(ctx context.Context) ([]models.AgentCommand, error) {
	var resp struct {
		Data []models.AgentCommand `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/commands", nil, &resp); err != nil {
		return nil, fmt.Errorf("poll commands: %w", err)
	}
	return resp.Data, nil
}

// Result reports a command's outcome.
func (c *Client) Result(ctx context.Context, id string, ok bool, output string) error {
	body := map[string]any{"ok": ok, "output": output}
	if err := c.do(ctx, http.MethodPost, "/api/commands/"+id+"/result", body, nil); err != nil {
		return fmt.Errorf("report result %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.state.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.state.DeviceID)
		req.Header.Set("Authorization", "Bearer "+c.state.Secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
