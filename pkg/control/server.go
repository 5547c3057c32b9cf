package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/protection"
	"github.com/dougsko/nexrigd/pkg/protocol"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/storage"
	"github.com/dougsko/nexrigd/pkg/system"
)

const defaultFaultLimit = 50

// Server exposes the RF core on a Unix domain socket, one text command per
// line and one JSON response per line
type Server struct {
	sys        *system.System
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time

	conns   map[net.Conn]struct{}
	connsWG sync.WaitGroup
}

// NewServer creates a control socket server for sys
func NewServer(sys *system.System, socketPath string) *Server {
	return &Server{
		sys:        sys,
		socketPath: socketPath,
		startTime:  time.Now(),
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start listens on the socket and accepts connections in the background
func (s *Server) Start() error {
	// Remove a stale socket file from a previous run
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	// Readable/writable by owner and group
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		logging.Warn("control", "Failed to set socket permissions", logging.Fields{"error": err.Error()})
	}

	s.mutex.Lock()
	s.listener = listener
	s.running = true
	s.mutex.Unlock()

	logging.Info("control", "Control socket listening", logging.Fields{"path": s.socketPath})

	go s.acceptConnections()
	return nil
}

// Stop closes the listener and every open connection
func (s *Server) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	listener := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mutex.Unlock()

	err := listener.Close()
	s.connsWG.Wait()
	os.Remove(s.socketPath)
	return err
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) track(conn net.Conn) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.running {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connsWG.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mutex.Lock()
	delete(s.conns, conn)
	s.mutex.Unlock()
	conn.Close()
	s.connsWG.Done()
}

func (s *Server) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// acceptConnections accepts and handles socket connections
func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.isRunning() {
				return
			}
			logging.Warn("control", "Socket accept error", logging.Fields{"error": err.Error()})
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.handleConnection(conn)
	}
}

// handleConnection serves one client until QUIT, EOF or server stop
func (s *Server) handleConnection(conn net.Conn) {
	defer s.untrack(conn)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if !s.isRunning() {
			return
		}
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			response := protocol.NewErrorResponse(fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		response := s.handleCommand(cmd)
		if _, err := conn.Write([]byte(response.String() + "\n")); err != nil {
			return
		}

		if cmd.Type == protocol.CmdQuit {
			return
		}
	}
}

// handleCommand processes a single command
func (s *Server) handleCommand(cmd *protocol.Command) *protocol.Response {
	ctx := context.Background()

	switch cmd.Type {
	case protocol.CmdStatus:
		return s.handleStatus()

	case protocol.CmdDiagnostics:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"diagnostics": s.sys.Diagnostics(),
		})

	case protocol.CmdFrequency:
		return s.handleFrequency(ctx, cmd)

	case protocol.CmdBand:
		return s.handleBand(ctx, cmd)

	case protocol.CmdMode:
		return s.handleMode(ctx, cmd)

	case protocol.CmdAntenna:
		return s.handleAntenna(ctx, cmd)

	case protocol.CmdPower:
		return s.handlePower(cmd)

	case protocol.CmdEmergencyStop:
		reason, _ := cmd.Args["reason"].(string)
		s.sys.EmergencyStop(reason)
		_, why := s.sys.Emergency()
		return protocol.NewSuccessResponse(map[string]interface{}{
			"emergency_active": true,
			"reason":           why,
		})

	case protocol.CmdReset:
		outcome, err := s.sys.ResetProtection()
		if err != nil {
			return protocol.NewErrorResponseFrom(err)
		}
		return protocol.NewOutcomeResponse(outcome, nil)

	case protocol.CmdLimits:
		return s.handleLimits(cmd)

	case protocol.CmdFaults:
		return s.handleFaults(cmd)

	case protocol.CmdSnapshot:
		return s.handleSnapshot(ctx, cmd)

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

// handleStatus returns the RF status and emergency state
func (s *Server) handleStatus() *protocol.Response {
	active, reason := s.sys.Emergency()
	data := map[string]interface{}{
		"rf":               s.sys.GetRfStatus(),
		"target_power_w":   s.sys.TargetPower(),
		"emergency_active": active,
		"healthy":          s.sys.Protection().IsSystemHealthy(),
		"running":          s.sys.Running(),
		"uptime":           time.Since(s.startTime).Round(time.Second).String(),
	}
	if active {
		data["emergency_reason"] = reason
	}
	if s.sys.IsShutdown() {
		data["shutdown_reason"] = s.sys.ShutdownReason()
	}
	return protocol.NewSuccessResponse(data)
}

func (s *Server) handleFrequency(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	arg, _ := cmd.Args["frequency"].(string)
	hz, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return protocol.NewErrorResponse(fmt.Sprintf("invalid frequency %q", arg))
	}

	outcome, err := s.sys.SetFrequency(ctx, uint32(hz))
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}
	return protocol.NewOutcomeResponse(outcome, map[string]interface{}{"frequency_hz": hz})
}

func (s *Server) handleBand(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	arg, _ := cmd.Args["band"].(string)
	band, err := rf.ParseBand(arg)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}

	outcome, err := s.sys.SetBand(ctx, band)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}
	return protocol.NewOutcomeResponse(outcome, map[string]interface{}{
		"band":         band,
		"frequency_hz": s.sys.GetRfStatus().FrequencyHz,
	})
}

func (s *Server) handleMode(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	arg, _ := cmd.Args["mode"].(string)
	mode, err := rf.ParseMode(arg)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}

	outcome, err := s.sys.SetMode(ctx, mode)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}
	return protocol.NewOutcomeResponse(outcome, map[string]interface{}{"mode": mode})
}

func (s *Server) handleAntenna(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	arg, _ := cmd.Args["antenna"].(string)
	port, err := strconv.Atoi(arg)
	if err != nil {
		return protocol.NewErrorResponse(fmt.Sprintf("invalid antenna %q", arg))
	}
	antenna, err := rf.ParseAntenna(port)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}

	outcome, err := s.sys.SetAntenna(ctx, antenna)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}
	return protocol.NewOutcomeResponse(outcome, map[string]interface{}{"antenna": int(antenna)})
}

func (s *Server) handlePower(cmd *protocol.Command) *protocol.Response {
	arg, ok := cmd.Args["watts"].(string)
	if !ok {
		return protocol.NewSuccessResponse(map[string]interface{}{
			"target_power_w": s.sys.TargetPower(),
		})
	}
	watts, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return protocol.NewErrorResponse(fmt.Sprintf("invalid power %q", arg))
	}

	outcome, err := s.sys.SetTargetPower(watts)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}
	return protocol.NewOutcomeResponse(outcome, map[string]interface{}{"target_power_w": s.sys.TargetPower()})
}

// handleLimits returns the limits, or applies key=value overrides on top of
// the current ones
func (s *Server) handleLimits(cmd *protocol.Command) *protocol.Response {
	limits := s.sys.ProtectionLimits()
	if len(cmd.Args) == 0 {
		return protocol.NewSuccessResponse(map[string]interface{}{"limits": limits})
	}

	for key, v := range cmd.Args {
		value, _ := v.(string)
		if err := applyLimit(&limits, key, value); err != nil {
			return protocol.NewErrorResponseFrom(err)
		}
	}

	outcome, err := s.sys.SetProtectionLimits(limits)
	if err != nil {
		return protocol.NewErrorResponseFrom(err)
	}
	return protocol.NewOutcomeResponse(outcome, map[string]interface{}{"limits": s.sys.ProtectionLimits()})
}

func applyLimit(l *protection.Limits, key, value string) error {
	const op = "SetLimits"

	if key == "throttle_holdoff_ms" {
		n, err := strconv.Atoi(value)
		if err != nil {
			return rf.NewError(rf.KindConfiguration, op, "invalid %s %q", key, value)
		}
		l.ThrottleHoldoffMs = n
		return nil
	}

	var dst *float64
	switch key {
	case "max_power_w":
		dst = &l.MaxPowerW
	case "max_temp_c":
		dst = &l.MaxTempC
	case "max_swr":
		dst = &l.MaxSWR
	case "max_reflected_fraction":
		dst = &l.MaxReflectedFraction
	case "warning_margin":
		dst = &l.WarningMargin
	case "throttle_factor":
		dst = &l.ThrottleFactor
	default:
		return rf.NewError(rf.KindConfiguration, op, "unknown limit %q", key)
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return rf.NewError(rf.KindConfiguration, op, "invalid %s %q", key, value)
	}
	*dst = f
	return nil
}

// handleFaults returns persisted faults when a store is configured and the
// in-memory history otherwise
func (s *Server) handleFaults(cmd *protocol.Command) *protocol.Response {
	limit := defaultFaultLimit
	if arg, ok := cmd.Args["limit"].(string); ok {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return protocol.NewErrorResponse(fmt.Sprintf("invalid limit %q", arg))
		}
		limit = n
	}

	faults, err := s.sys.StoredFaults(storage.FaultQuery{Limit: limit})
	source := "store"
	if errors.Is(err, system.ErrNoStore) {
		faults, err, source = s.sys.Faults(), nil, "memory"
		if len(faults) > limit {
			faults = faults[len(faults)-limit:]
		}
	}
	if err != nil {
		return protocol.NewErrorResponse(fmt.Sprintf("failed to load faults: %v", err))
	}

	return protocol.NewSuccessResponse(map[string]interface{}{
		"faults": faults,
		"count":  len(faults),
		"source": source,
	})
}

func (s *Server) handleSnapshot(ctx context.Context, cmd *protocol.Command) *protocol.Response {
	action, _ := cmd.Args["action"].(string)
	name, _ := cmd.Args["name"].(string)

	if action != "list" && name == "" {
		return protocol.NewErrorResponse("snapshot name is required")
	}

	switch action {
	case "save":
		snap, err := s.sys.SaveSnapshot(name)
		if err != nil {
			return protocol.NewErrorResponseFrom(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"snapshot": snap})

	case "restore":
		outcome, err := s.sys.RestoreSnapshot(ctx, name)
		if err != nil {
			return protocol.NewErrorResponseFrom(err)
		}
		return protocol.NewOutcomeResponse(outcome, map[string]interface{}{"name": name})

	case "delete":
		if err := s.sys.DeleteSnapshot(name); err != nil {
			return protocol.NewErrorResponseFrom(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"deleted": name})

	case "list":
		snapshots, err := s.sys.ListSnapshots()
		if err != nil {
			return protocol.NewErrorResponseFrom(err)
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"snapshots": snapshots,
			"count":     len(snapshots),
		})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown snapshot action %q", action))
	}
}
