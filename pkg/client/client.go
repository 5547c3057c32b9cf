package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/dougsko/nexrigd/pkg/diagnostics"
	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/protocol"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/storage"
)

// SocketClient represents a client connection to the control socket
type SocketClient struct {
	socketPath string
	timeout    time.Duration
}

// Status is the daemon's answer to STATUS
type Status struct {
	RF              rf.Status `json:"rf"`
	TargetPowerW    float64   `json:"target_power_w"`
	EmergencyActive bool      `json:"emergency_active"`
	EmergencyReason string    `json:"emergency_reason,omitempty"`
	ShutdownReason  string    `json:"shutdown_reason,omitempty"`
	Healthy         bool      `json:"healthy"`
	Running         bool      `json:"running"`
	Uptime          string    `json:"uptime"`
}

// NewSocketClient creates a new socket client
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// SetTimeout changes the connect and round-trip timeout
func (c *SocketClient) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and returns the response
func (c *SocketClient) SendCommand(cmd string) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	_, err = conn.Write([]byte(cmd + "\n"))
	if err != nil {
		return nil, fmt.Errorf("send error: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	// DIAG responses carry the whole fault history
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		return nil, fmt.Errorf("no response received")
	}

	var response protocol.Response
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	return &response, nil
}

// call sends cmd and converts a refusal into an error
func (c *SocketClient) call(cmd string) (*protocol.Response, error) {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// control sends a control command and returns its outcome
func (c *SocketClient) control(cmd string) (rf.Outcome, error) {
	resp, err := c.call(cmd)
	if err != nil {
		return rf.OutcomeApplied, err
	}
	if resp.Data["result"] == rf.OutcomeNoOp.String() {
		return rf.OutcomeNoOp, nil
	}
	return rf.OutcomeApplied, nil
}

// decode converts one field of a response into out
func decode(resp *protocol.Response, key string, out interface{}) error {
	value, ok := resp.Data[key]
	if !ok {
		return fmt.Errorf("%s not found in response", key)
	}

	// Convert to JSON and back to parse properly
	data, _ := json.Marshal(value)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

// GetStatus gets the current RF status
func (c *SocketClient) GetStatus() (*Status, error) {
	resp, err := c.call(protocol.CmdStatus)
	if err != nil {
		return nil, err
	}

	// Convert to JSON and back to parse properly
	data, _ := json.Marshal(resp.Data)
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	return &status, nil
}

// GetDiagnostics gets a full diagnostics snapshot
func (c *SocketClient) GetDiagnostics() (*diagnostics.Snapshot, error) {
	resp, err := c.call(protocol.CmdDiagnostics)
	if err != nil {
		return nil, err
	}
	var snap diagnostics.Snapshot
	if err := decode(resp, "diagnostics", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetFrequency retunes within the current band
func (c *SocketClient) SetFrequency(hz uint32) (rf.Outcome, error) {
	return c.control(fmt.Sprintf("%s:%d", protocol.CmdFrequency, hz))
}

// SetBand switches band, e.g. "40m"
func (c *SocketClient) SetBand(band string) (rf.Outcome, error) {
	return c.control(fmt.Sprintf("%s:%s", protocol.CmdBand, band))
}

// SetMode requests a mode change, e.g. "rx"
func (c *SocketClient) SetMode(mode string) (rf.Outcome, error) {
	return c.control(fmt.Sprintf("%s:%s", protocol.CmdMode, mode))
}

// SetAntenna selects an antenna port
func (c *SocketClient) SetAntenna(port int) (rf.Outcome, error) {
	return c.control(fmt.Sprintf("%s:%d", protocol.CmdAntenna, port))
}

// SetPower sets the PA target power in watts
func (c *SocketClient) SetPower(watts float64) (rf.Outcome, error) {
	return c.control(fmt.Sprintf("%s:%g", protocol.CmdPower, watts))
}

// EmergencyStop asserts the emergency flag
func (c *SocketClient) EmergencyStop(reason string) error {
	cmd := protocol.CmdEmergencyStop
	if reason != "" {
		cmd += ":" + reason
	}
	_, err := c.call(cmd)
	return err
}

// ResetProtection clears an emergency once the condition has gone
func (c *SocketClient) ResetProtection() (rf.Outcome, error) {
	return c.control(protocol.CmdReset)
}

// GetLimits gets the protection limits
func (c *SocketClient) GetLimits() (*protection.Limits, error) {
	resp, err := c.call(protocol.CmdLimits)
	if err != nil {
		return nil, err
	}
	var limits protection.Limits
	if err := decode(resp, "limits", &limits); err != nil {
		return nil, err
	}
	return &limits, nil
}

// SetLimits overrides individual limits by name, e.g. "max_swr" -> "2.5"
func (c *SocketClient) SetLimits(values map[string]string) (rf.Outcome, error) {
	if len(values) == 0 {
		return rf.OutcomeNoOp, nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values[k])
	}
	return c.control(protocol.CmdLimits + ":" + strings.Join(pairs, ","))
}

// GetFaults gets recent fault records
func (c *SocketClient) GetFaults(limit int) ([]protection.FaultRecord, error) {
	cmd := protocol.CmdFaults
	if limit > 0 {
		cmd = fmt.Sprintf("%s:%d", protocol.CmdFaults, limit)
	}

	resp, err := c.call(cmd)
	if err != nil {
		return nil, err
	}
	var faults []protection.FaultRecord
	if err := decode(resp, "faults", &faults); err != nil {
		return nil, err
	}
	return faults, nil
}

// SaveSnapshot stores the current configuration under name
func (c *SocketClient) SaveSnapshot(name string) (*storage.Snapshot, error) {
	resp, err := c.call(fmt.Sprintf("%s:save:%s", protocol.CmdSnapshot, name))
	if err != nil {
		return nil, err
	}
	var snap storage.Snapshot
	if err := decode(resp, "snapshot", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RestoreSnapshot applies a stored configuration
func (c *SocketClient) RestoreSnapshot(name string) (rf.Outcome, error) {
	return c.control(fmt.Sprintf("%s:restore:%s", protocol.CmdSnapshot, name))
}

// DeleteSnapshot removes a stored configuration
func (c *SocketClient) DeleteSnapshot(name string) error {
	_, err := c.call(fmt.Sprintf("%s:delete:%s", protocol.CmdSnapshot, name))
	return err
}

// ListSnapshots lists stored configurations
func (c *SocketClient) ListSnapshots() ([]storage.Snapshot, error) {
	resp, err := c.call(protocol.CmdSnapshot + ":list")
	if err != nil {
		return nil, err
	}
	var snaps []storage.Snapshot
	if value, ok := resp.Data["snapshots"]; !ok || value == nil {
		return snaps, nil
	}
	if err := decode(resp, "snapshots", &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// Ping tests the connection
func (c *SocketClient) Ping() error {
	_, err := c.call(protocol.CmdPing)
	return err
}

// IsConnected tests if the daemon is reachable
func (c *SocketClient) IsConnected() bool {
	return c.Ping() == nil
}
