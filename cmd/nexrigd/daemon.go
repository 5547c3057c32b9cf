package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dougsko/nexrigd/pkg/client"
	"github.com/dougsko/nexrigd/pkg/config"
	"github.com/dougsko/nexrigd/pkg/control"
	"github.com/dougsko/nexrigd/pkg/diagnostics"
	"github.com/dougsko/nexrigd/pkg/hardware"
	"github.com/dougsko/nexrigd/pkg/logging"
	"github.com/dougsko/nexrigd/pkg/storage"
	"github.com/dougsko/nexrigd/pkg/system"
)

// RigDaemon wires the RF core to its control socket, web server and
// diagnostics publishers
type RigDaemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Core components
	sys           *system.System
	store         *storage.Store
	metrics       *diagnostics.Metrics
	mqtt          *diagnostics.MQTTPublisher
	controlServer *control.Server
	socketClient  *client.SocketClient
	webServer     *http.Server

	runDone chan struct{}
	runErr  error

	stopOnce sync.Once
}

// NewRigDaemon creates a new daemon instance on the configured backend
func NewRigDaemon(cfg *config.Config) (*RigDaemon, error) {
	return newRigDaemon(cfg, system.NewBackend(cfg))
}

func newRigDaemon(cfg *config.Config, backend *hardware.Backend) (*RigDaemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	d := &RigDaemon{
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
		socketClient: client.NewSocketClient(cfg.API.UnixSocket),
		runDone:      make(chan struct{}),
	}

	store, err := storage.NewStore(cfg.Storage.DatabasePath, cfg.Storage.MaxFaults)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	d.store = store

	metrics, err := diagnostics.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		d.closeStore()
		cancel()
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	d.metrics = metrics

	sys, err := system.Build(cfg, backend, system.Options{
		Store:   store,
		Metrics: metrics,
		Host:    diagnostics.NewHostSampler(),
	})
	if err != nil {
		d.closeStore()
		cancel()
		return nil, fmt.Errorf("failed to build RF core: %w", err)
	}
	d.sys = sys
	d.controlServer = control.NewServer(sys, cfg.API.UnixSocket)

	if cfg.Diagnostics.MQTT.Enabled {
		mqttCfg := cfg.Diagnostics.MQTT
		publisher, err := diagnostics.NewMQTTPublisher(diagnostics.MQTTConfig{
			Broker:   mqttCfg.Broker,
			Topic:    mqttCfg.Topic,
			ClientID: mqttCfg.ClientID,
			Username: mqttCfg.Username,
			Password: mqttCfg.Password,
			Interval: time.Duration(mqttCfg.IntervalS) * time.Second,
		})
		if err != nil {
			// Diagnostics are optional; the RF core runs without them
			logging.Warn("daemon", "MQTT disabled", logging.Fields{"error": err.Error()})
		} else {
			d.mqtt = publisher
			sys.AddFaultSink(publisher)
		}
	}

	d.setupWebServer()
	return d, nil
}

// Start brings the hardware up, starts the RF tasks, the control socket and
// the web server
func (d *RigDaemon) Start() error {
	logging.Info("daemon", "Starting nexrigd daemon...")

	if err := d.sys.InitializeHardware(); err != nil {
		close(d.runDone)
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}

	go func() {
		d.runErr = d.sys.Run(d.ctx)
		close(d.runDone)
	}()

	if err := d.controlServer.Start(); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	// Test socket connection
	if !d.waitForSocket(2 * time.Second) {
		return errors.New("failed to connect to control socket")
	}

	if d.mqtt != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.mqtt.Run(d.ctx, d.sys.Diagnostics)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Info("daemon", "Starting web server", logging.Fields{"addr": d.webServer.Addr})
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("daemon", "Web server error", logging.Fields{"error": err.Error()})
		}
	}()

	return nil
}

func (d *RigDaemon) waitForSocket(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d.socketClient.IsConnected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// Done is closed once the RF core has stopped
func (d *RigDaemon) Done() <-chan struct{} {
	return d.runDone
}

// Err returns why the RF core stopped. Valid after Done is closed.
func (d *RigDaemon) Err() error {
	return d.runErr
}

// Stop stops the daemon gracefully. The RF core is stopped last so the
// front end is left in Standby with every output low.
func (d *RigDaemon) Stop() error {
	d.stopOnce.Do(d.stop)
	return nil
}

func (d *RigDaemon) stop() {
	logging.Info("daemon", "Stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warn("daemon", "Web server shutdown error", logging.Fields{"error": err.Error()})
		}
	}

	if err := d.controlServer.Stop(); err != nil {
		logging.Warn("daemon", "Control socket shutdown error", logging.Fields{"error": err.Error()})
	}

	d.sys.Stop()
	d.wg.Wait()

	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}
	if err := d.sys.Close(); err != nil {
		logging.Warn("daemon", "Hardware close error", logging.Fields{"error": err.Error()})
	}
	d.closeStore()

	logging.Info("daemon", "Daemon stopped")
}

func (d *RigDaemon) closeStore() {
	if d.store == nil {
		return
	}
	if err := d.store.Close(); err != nil {
		logging.Warn("daemon", "Store close error", logging.Fields{"error": err.Error()})
	}
}

// setupWebServer initializes the web server and routes
func (d *RigDaemon) setupWebServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.LoggerWithWriter(logging.GetGlobalLogger().Writer("web")), gin.Recovery())

	router.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/diagnostics", d.handleGetDiagnostics)
		api.GET("/config", d.handleGetConfig)
		api.GET("/spectrum", d.handleGetSpectrum)
		api.GET("/stream", d.handleStreamWebSocket)

		rfGroup := api.Group("/rf")
		rfGroup.PUT("/frequency", d.handleSetFrequency)
		rfGroup.PUT("/band", d.handleSetBand)
		rfGroup.PUT("/mode", d.handleSetMode)
		rfGroup.PUT("/antenna", d.handleSetAntenna)
		rfGroup.PUT("/power", d.handleSetPower)

		prot := api.Group("/protection")
		prot.POST("/emergency-stop", d.handleEmergencyStop)
		prot.POST("/reset", d.handleResetProtection)
		prot.GET("/limits", d.handleGetLimits)
		prot.PUT("/limits", d.handleSetLimits)

		api.GET("/faults", d.handleGetFaults)
		api.DELETE("/faults", d.handleClearFaults)

		api.GET("/snapshots", d.handleListSnapshots)
		api.POST("/snapshots", d.handleSaveSnapshot)
		api.POST("/snapshots/:name/restore", d.handleRestoreSnapshot)
		api.DELETE("/snapshots/:name", d.handleDeleteSnapshot)
	}

	addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
}
