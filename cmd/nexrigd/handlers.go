package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v2"

	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/protocol"
	"github.com/dougsko/nexrigd/pkg/rf"
	"github.com/dougsko/nexrigd/pkg/storage"
	"github.com/dougsko/nexrigd/pkg/system"
)

// statusForError maps a control refusal to an HTTP status. Policy refusals
// are the caller's problem, hardware refusals are the rig's.
func statusForError(err error) int {
	var remote *protocol.RemoteError
	if errors.As(err, &remote) {
		switch remote.Kind {
		case rf.KindInvalidTransition, rf.KindUnhealthyRejected, rf.KindStillFaulted:
			return http.StatusConflict
		case rf.KindOutOfBand, rf.KindConfiguration:
			return http.StatusUnprocessableEntity
		case rf.KindHardware, rf.KindHardwareSequenceTimeout:
			return http.StatusBadGateway
		}
		switch {
		case strings.Contains(remote.Message, storage.ErrSnapshotNotFound.Error()):
			return http.StatusNotFound
		case remote.Message == system.ErrNoStore.Error():
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	}
	// The control socket itself failed
	return http.StatusServiceUnavailable
}

// respondError writes err with its kind and class when it has them
func respondError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	var remote *protocol.RemoteError
	if errors.As(err, &remote) && remote.Kind != 0 {
		body["kind"] = remote.Kind.String()
		body["class"] = remote.Class
	}
	c.JSON(statusForError(err), body)
}

// respondOutcome writes the result of a control call
func respondOutcome(c *gin.Context, outcome rf.Outcome, err error, extra gin.H) {
	if err != nil {
		respondError(c, err)
		return
	}
	body := gin.H{"result": outcome.String()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// handleGetStatus returns the RF status via socket
func (d *RigDaemon) handleGetStatus(c *gin.Context) {
	status, err := d.socketClient.GetStatus()
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": Version,
		"status":  status,
	})
}

// handleGetDiagnostics returns a full diagnostics snapshot via socket
func (d *RigDaemon) handleGetDiagnostics(c *gin.Context) {
	snap, err := d.socketClient.GetDiagnostics()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleGetConfig returns the running configuration with secrets removed
func (d *RigDaemon) handleGetConfig(c *gin.Context) {
	redacted := *d.config
	if redacted.Diagnostics.MQTT.Password != "" {
		redacted.Diagnostics.MQTT.Password = "********"
	}

	// Round-trip through YAML so the keys match the config file
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, convertYamlToJson(raw))
}

// convertYamlToJson converts map[interface{}]interface{} to map[string]interface{}
func convertYamlToJson(i interface{}) interface{} {
	switch x := i.(type) {
	case map[interface{}]interface{}:
		m2 := map[string]interface{}{}
		for k, v := range x {
			m2[fmt.Sprint(k)] = convertYamlToJson(v)
		}
		return m2
	case []interface{}:
		for i, v := range x {
			x[i] = convertYamlToJson(v)
		}
	}
	return i
}

// handleGetSpectrum returns the latest receive spectrum
func (d *RigDaemon) handleGetSpectrum(c *gin.Context) {
	c.JSON(http.StatusOK, d.sys.Spectrum())
}

// handleSetFrequency retunes within the current band
func (d *RigDaemon) handleSetFrequency(c *gin.Context) {
	var req struct {
		FrequencyHz uint32 `json:"frequency_hz" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := d.socketClient.SetFrequency(req.FrequencyHz)
	respondOutcome(c, outcome, err, gin.H{"frequency_hz": req.FrequencyHz})
}

// handleSetBand switches band
func (d *RigDaemon) handleSetBand(c *gin.Context) {
	var req struct {
		Band string `json:"band" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := d.socketClient.SetBand(req.Band)
	respondOutcome(c, outcome, err, gin.H{"band": req.Band})
}

// handleSetMode requests a mode change
func (d *RigDaemon) handleSetMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := d.socketClient.SetMode(req.Mode)
	respondOutcome(c, outcome, err, gin.H{"mode": req.Mode})
}

// handleSetAntenna selects an antenna port
func (d *RigDaemon) handleSetAntenna(c *gin.Context) {
	var req struct {
		Antenna int `json:"antenna" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := d.socketClient.SetAntenna(req.Antenna)
	respondOutcome(c, outcome, err, gin.H{"antenna": req.Antenna})
}

// handleSetPower sets the PA target power
func (d *RigDaemon) handleSetPower(c *gin.Context) {
	var req struct {
		Watts *float64 `json:"watts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := d.socketClient.SetPower(*req.Watts)
	respondOutcome(c, outcome, err, gin.H{"watts": *req.Watts})
}

// handleEmergencyStop asserts the emergency flag
func (d *RigDaemon) handleEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional
	c.ShouldBindJSON(&req)

	if err := d.socketClient.EmergencyStop(req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emergency_active": true})
}

// handleResetProtection clears an emergency once the condition has gone
func (d *RigDaemon) handleResetProtection(c *gin.Context) {
	outcome, err := d.socketClient.ResetProtection()
	respondOutcome(c, outcome, err, nil)
}

// handleGetLimits returns the protection limits
func (d *RigDaemon) handleGetLimits(c *gin.Context) {
	limits, err := d.socketClient.GetLimits()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, limits)
}

// handleSetLimits overrides the limits named in the body
func (d *RigDaemon) handleSetLimits(c *gin.Context) {
	var req map[string]float64
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	values := make(map[string]string, len(req))
	for k, v := range req {
		values[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}

	outcome, err := d.socketClient.SetLimits(values)
	if err != nil {
		respondError(c, err)
		return
	}
	limits, err := d.socketClient.GetLimits()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOutcome(c, outcome, nil, gin.H{"limits": limits})
}

// handleGetFaults returns recent fault records
func (d *RigDaemon) handleGetFaults(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	faults, err := d.socketClient.GetFaults(limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"faults": faults,
		"count":  len(faults),
	})
}

// handleClearFaults empties the fault history and the persisted log
func (d *RigDaemon) handleClearFaults(c *gin.Context) {
	if err := d.sys.ClearFaults(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// handleListSnapshots lists stored configurations
func (d *RigDaemon) handleListSnapshots(c *gin.Context) {
	snaps, err := d.socketClient.ListSnapshots()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshots": snaps,
		"count":     len(snaps),
	})
}

// handleSaveSnapshot stores the current configuration
func (d *RigDaemon) handleSaveSnapshot(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := d.socketClient.SaveSnapshot(req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// handleRestoreSnapshot applies a stored configuration
func (d *RigDaemon) handleRestoreSnapshot(c *gin.Context) {
	name := c.Param("name")
	outcome, err := d.socketClient.RestoreSnapshot(name)
	respondOutcome(c, outcome, err, gin.H{"name": name})
}

// handleDeleteSnapshot removes a stored configuration
func (d *RigDaemon) handleDeleteSnapshot(c *gin.Context) {
	name := c.Param("name")
	if err := d.socketClient.DeleteSnapshot(name); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // The web server binds to the management interface only
	},
}

const (
	streamBuffer     = 64
	streamWriteWait  = time.Second
	streamPingPeriod = 30 * time.Second
)

// handleStreamWebSocket streams receive frames as binary messages and RF
// status as JSON text messages until the client or the daemon goes away
func (d *RigDaemon) handleStreamWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("web", "WebSocket upgrade failed", logging.Fields{"error": err.Error()})
		return
	}
	defer conn.Close()

	frames := d.sys.SubscribeSamples(streamBuffer)
	defer frames.Close()
	statuses := d.sys.SubscribeStatus(4)
	defer statuses.Close()

	logging.Info("web", "Stream client connected", logging.Fields{"remote": c.Request.RemoteAddr})

	// Reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		var err error
		select {
		case frame, ok := <-frames.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			err = conn.WriteMessage(websocket.BinaryMessage, frame)

		case status, ok := <-statuses.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			err = conn.WriteJSON(gin.H{"type": "status", "status": status})

		case <-ping.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait))

		case <-closed:
			logging.Info("web", "Stream client disconnected", logging.Fields{
				"dropped_frames": frames.Dropped(),
			})
			return

		case <-d.ctx.Done():
			return
		}

		if err != nil {
			logging.Debug("web", "Stream write failed", logging.Fields{"error": err.Error()})
			return
		}
	}
}
