// Command motorsim runs the simulated motor bench: it loads the axis
// configuration, serves the IPC protocol, mirrors axis state to the optional
// Modbus and serial outputs and persists positions on shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"motorsim/internal/config"
	"motorsim/internal/device"
	"motorsim/internal/hardware/protocols/modbus"
	"motorsim/internal/hardware/protocols/serial"
	"motorsim/internal/ipc"
	"motorsim/internal/logging"
	"motorsim/pkg/types"
)

type MotorSimulator struct {
	configManager *config.ConfigManager
	controller    *device.Controller
	ipcServer     *ipc.IPCServer
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	logger        *logging.Logger
}

func NewMotorSimulator(configPath string) (*MotorSimulator, error) {
	logger := logging.GetLogger("motorsim")
	configManager := config.NewConfigManager(configPath)

	if err := configManager.LoadConfig(""); err != nil {
		logger.Warn("Failed to load config, creating default", "config_path", configPath, "error", err.Error())
		if err := configManager.CreateDefaultConfig(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	systemConfig := configManager.GetConfig()
	if err := logging.Configure(&systemConfig.Logging); err != nil {
		logger.Warn("Failed to apply logging config", "error", err.Error())
	}

	controller, err := device.NewController(systemConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}

	return &MotorSimulator{
		configManager: configManager,
		controller:    controller,
		ipcServer:     ipc.NewIPCServer(systemConfig.IPC),
		logger:        logging.GetLogger("motorsim"),
	}, nil
}

func (ms *MotorSimulator) Start() error {
	if ms.running {
		return fmt.Errorf("simulator is already running")
	}

	ms.ctx, ms.cancel = context.WithCancel(context.Background())
	systemConfig := ms.configManager.GetConfig()

	ms.ipcServer.RegisterRequestHandler(ms.controller.HandleMessage, device.RequestTypes...)
	if err := ms.ipcServer.Start(); err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}
	ms.controller.AddSink(ms.ipcServer)

	if systemConfig.Modbus.Enabled {
		mirror, err := modbus.Dial(systemConfig.Modbus, ms.controller.AxisIDs())
		if err != nil {
			ms.logger.Error("Modbus mirror disabled", "error", err.Error())
		} else {
			ms.controller.AddSink(mirror)
		}
	}

	if systemConfig.Serial.Enabled {
		mirror, err := serial.Open(systemConfig.Serial)
		if err != nil {
			ms.logger.Error("Serial mirror disabled", "error", err.Error())
		} else {
			ms.controller.AddSink(mirror)
		}
	}

	if err := ms.controller.Start(ms.ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	ms.configManager.WatchChanges(ms.handleConfigUpdate)
	if err := ms.configManager.StartWatching(ms.ctx); err != nil {
		ms.logger.Warn("Config watcher not started", "error", err.Error())
	}

	ms.running = true
	ms.printSystemInfo(systemConfig)
	return nil
}

// Stop freezes every axis, closes all outputs and writes the final positions
// back to the config file.
func (ms *MotorSimulator) Stop() error {
	if !ms.running {
		return fmt.Errorf("simulator is not running")
	}

	ms.logger.Info("Stopping motor simulator")
	ms.cancel()

	var errs error
	if err := ms.configManager.StopWatching(); err != nil {
		ms.logger.Debug("Config watcher already stopped", "error", err.Error())
	}
	errs = multierr.Append(errs, ms.controller.Stop())
	errs = multierr.Append(errs, ms.configManager.SaveAxes(ms.controller.Snapshot()))

	ms.running = false
	return errs
}

// handleConfigUpdate applies edited axis settings to idle axes. New axes and
// transport changes need a restart.
func (ms *MotorSimulator) handleConfigUpdate(systemConfig types.SystemConfig) {
	logging.GetManager().UpdateLevel(systemConfig.Logging.Level)

	current := ms.controller.Snapshot()
	for id, axisConfig := range systemConfig.Axes {
		prev, ok := current[id]
		if !ok {
			ms.logger.Warn("Ignoring axis added to config, restart to use it", "axis", id)
			continue
		}
		if sameSettings(prev, axisConfig) {
			continue
		}
		if err := ms.controller.Configure(id, axisConfig); err != nil {
			ms.logger.Warn("Axis config not applied", "axis", id, "error", err.Error())
		}
	}
}

func sameSettings(a, b types.AxisConfig) bool {
	a.Position, b.Position = 0, 0
	if (a.LowerLimit == nil) != (b.LowerLimit == nil) || (a.UpperLimit == nil) != (b.UpperLimit == nil) {
		return false
	}
	if a.LowerLimit != nil && *a.LowerLimit != *b.LowerLimit {
		return false
	}
	if a.UpperLimit != nil && *a.UpperLimit != *b.UpperLimit {
		return false
	}
	a.LowerLimit, a.UpperLimit, b.LowerLimit, b.UpperLimit = nil, nil, nil, nil
	return a == b
}

func (ms *MotorSimulator) printSystemInfo(systemConfig types.SystemConfig) {
	fmt.Println("==========================================")
	fmt.Println("  Motor Simulator")
	fmt.Println("==========================================")
	fmt.Printf("  Poll Interval: %v\n", systemConfig.PollInterval)
	fmt.Printf("  IPC Server: %s\n", ms.ipcServer.Addr())
	fmt.Printf("  Modbus Mirror: %v\n", systemConfig.Modbus.Enabled)
	fmt.Printf("  Serial Mirror: %v\n", systemConfig.Serial.Enabled)
	fmt.Printf("  Axes: %d\n", len(systemConfig.Axes))
	fmt.Println("==========================================")

	for _, state := range ms.controller.States() {
		axisConfig := systemConfig.Axes[state.ID]
		fmt.Printf("  Axis %s: %.3f %s, v[%.1f, %.1f], power=%v\n",
			state.ID, state.Position, axisConfig.Units, axisConfig.MinVelocity, axisConfig.MaxVelocity, state.Power)
	}

	fmt.Println("==========================================")
}

func main() {
	var (
		configPath = flag.String("config", "motorsim.yaml", "Path to configuration file")
	)

	flag.Parse()

	logger := logging.GetLogger("motorsim")

	system, err := NewMotorSimulator(*configPath)
	if err != nil {
		logger.Error("Failed to create motor simulator", "error", err.Error())
		os.Exit(1)
	}

	if err := system.Start(); err != nil {
		logger.Error("Failed to start motor simulator", "error", err.Error())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println("\nReceived shutdown signal...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if err := system.Stop(); err != nil {
			logger.Error("Error during shutdown", "error", err.Error())
		}
		close(done)
	}()

	select {
	case <-done:
		fmt.Println("Motor simulator shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error("Shutdown timeout reached, forcing exit")
		os.Exit(1)
	}
}
