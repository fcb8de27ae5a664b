// Package config provides YAML-based configuration management with hot reload.
// It holds the simulated axes' kinematic parameters, limits and last known
// positions, the IPC endpoint and the optional hardware mirrors, and persists
// them across restarts.
package config

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"motorsim/internal/logging"
	"motorsim/internal/motion"
	"motorsim/pkg/types"
)

type ConfigManager struct {
	config       types.SystemConfig
	configPath   string
	configLock   sync.RWMutex
	watchers     []func(types.SystemConfig)
	watchersLock sync.RWMutex
	lastModified time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	watching     bool
	interval     time.Duration
	logger       *logging.Logger
}

func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		configPath: configPath,
		interval:   time.Second,
		logger:     logging.GetLogger("config_manager"),
	}
}

func (cm *ConfigManager) LoadConfig(path string) error {
	if path != "" {
		cm.configPath = path
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var config types.SystemConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	cm.configLock.Lock()
	cm.config = config
	cm.lastModified = cm.modTime()
	cm.configLock.Unlock()

	cm.logger.Info("Configuration loaded", "config_path", cm.configPath, "axes", len(config.Axes))
	return nil
}

func (cm *ConfigManager) Reload() error {
	return cm.LoadConfig("")
}

func (cm *ConfigManager) GetConfig() types.SystemConfig {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()
	return cloneConfig(cm.config)
}

// SetConfig validates, persists and adopts config, then notifies watchers.
func (cm *ConfigManager) SetConfig(config types.SystemConfig) error {
	cm.configLock.Lock()
	err := cm.setLocked(config)
	cm.configLock.Unlock()
	if err != nil {
		return err
	}

	cm.notifyWatchers()
	cm.logger.Info("Configuration updated and saved", "config_path", cm.configPath)
	return nil
}

func (cm *ConfigManager) setLocked(config types.SystemConfig) error {
	if err := ValidateConfig(&config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.config = cloneConfig(config)
	cm.lastModified = cm.modTime()
	return nil
}

func (cm *ConfigManager) WatchChanges(callback func(types.SystemConfig)) {
	cm.watchersLock.Lock()
	defer cm.watchersLock.Unlock()
	cm.watchers = append(cm.watchers, callback)
}

// StartWatching polls the config file for modifications made outside the
// process and reloads it.
func (cm *ConfigManager) StartWatching(ctx context.Context) error {
	if cm.watching {
		return fmt.Errorf("config watcher is already running")
	}

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.watching = true

	cm.wg.Add(1)
	go cm.watchFile(ctx)

	cm.logger.Info("Started watching config file", "config_path", cm.configPath)
	return nil
}

func (cm *ConfigManager) StopWatching() error {
	if !cm.watching {
		return fmt.Errorf("config watcher is not running")
	}

	cm.cancel()
	cm.wg.Wait()
	cm.watching = false

	cm.logger.Info("Stopped watching config file")
	return nil
}

func (cm *ConfigManager) watchFile(ctx context.Context) {
	defer cm.wg.Done()

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.checkFileChanges()
		}
	}
}

func (cm *ConfigManager) checkFileChanges() {
	info, err := os.Stat(cm.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			cm.logger.Error("Error checking config file", "error", err.Error())
		}
		return
	}

	cm.configLock.RLock()
	last := cm.lastModified
	cm.configLock.RUnlock()

	if info.ModTime().After(last) {
		cm.logger.Info("Config file modified, reloading")
		if err := cm.Reload(); err != nil {
			cm.logger.Error("Failed to reload config", "error", err.Error())
			return
		}
		cm.notifyWatchers()
	}
}

func (cm *ConfigManager) notifyWatchers() {
	cm.watchersLock.RLock()
	watchers := make([]func(types.SystemConfig), len(cm.watchers))
	copy(watchers, cm.watchers)
	cm.watchersLock.RUnlock()

	config := cm.GetConfig()
	for _, watcher := range watchers {
		watcher(config)
	}
}

func (cm *ConfigManager) modTime() time.Time {
	info, err := os.Stat(cm.configPath)
	if err != nil {
		return time.Now()
	}
	return info.ModTime()
}

// ValidateConfig fills defaults and rejects axes whose kinematics or limits
// could not drive a motor.
func ValidateConfig(config *types.SystemConfig) error {
	if config.PollInterval <= 0 {
		config.PollInterval = 50 * time.Millisecond
	}
	if config.IPC.Type == "" {
		config.IPC.Type = "tcp"
	}
	if config.IPC.Address == "" {
		config.IPC.Address = "127.0.0.1"
	}
	if config.IPC.BufferSize <= 0 {
		config.IPC.BufferSize = 1024
	}
	if config.IPC.Timeout <= 0 {
		config.IPC.Timeout = 5 * time.Second
	}
	if config.Modbus.Scale <= 0 {
		config.Modbus.Scale = 1000
	}
	if config.Modbus.Timeout <= 0 {
		config.Modbus.Timeout = 2 * time.Second
	}

	if len(config.Axes) == 0 {
		return fmt.Errorf("at least one axis must be configured")
	}

	for axisID, axis := range config.Axes {
		if axis.StepPerUnit == 0 {
			axis.StepPerUnit = 1
		}
		if axis.StepPerUnit < 0 || math.IsNaN(axis.StepPerUnit) || math.IsInf(axis.StepPerUnit, 0) {
			return fmt.Errorf("axis %s must have a positive step_per_unit", axisID)
		}
		if _, err := motion.NewProfile(axis.MinVelocity, axis.MaxVelocity, axis.AccelerationTime, axis.DecelerationTime); err != nil {
			return fmt.Errorf("axis %s: %w", axisID, err)
		}
		if axis.LowerLimit != nil && axis.UpperLimit != nil && *axis.LowerLimit >= *axis.UpperLimit {
			return fmt.Errorf("axis %s must have lower_limit < upper_limit", axisID)
		}
		config.Axes[axisID] = axis
	}

	return nil
}

func (cm *ConfigManager) GetAxisConfig(axisID types.AxisID) (types.AxisConfig, error) {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	config, exists := cm.config.Axes[axisID]
	if !exists {
		return types.AxisConfig{}, fmt.Errorf("axis %s not found in configuration", axisID)
	}
	return config, nil
}

func (cm *ConfigManager) UpdateAxisConfig(axisID types.AxisID, axis types.AxisConfig) error {
	cm.configLock.Lock()
	if _, exists := cm.config.Axes[axisID]; !exists {
		cm.configLock.Unlock()
		return fmt.Errorf("axis %s not found in configuration", axisID)
	}
	next := cloneConfig(cm.config)
	next.Axes[axisID] = axis
	err := cm.setLocked(next)
	cm.configLock.Unlock()
	if err != nil {
		return err
	}

	cm.notifyWatchers()
	return nil
}

// SaveAxes persists the given axis configurations, typically a controller
// snapshot with current positions, without notifying watchers.
func (cm *ConfigManager) SaveAxes(axes map[types.AxisID]types.AxisConfig) error {
	cm.configLock.Lock()
	defer cm.configLock.Unlock()

	next := cloneConfig(cm.config)
	for id, axis := range axes {
		next.Axes[id] = axis
	}
	if err := cm.setLocked(next); err != nil {
		return err
	}
	cm.logger.Info("Axis state persisted", "axes", len(axes))
	return nil
}

func (cm *ConfigManager) ListAxes() []types.AxisID {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	ids := make([]types.AxisID, 0, len(cm.config.Axes))
	for id := range cm.config.Axes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DefaultConfig returns a three-axis bench: two linear stages and a rotation
// stage with soft limits.
func DefaultConfig() types.SystemConfig {
	limit := func(v float64) *float64 { return &v }
	return types.SystemConfig{
		PollInterval: 50 * time.Millisecond,
		Logging:      *logging.DefaultConfig(),
		IPC: types.IPCConfig{
			Type:       "tcp",
			Address:    "127.0.0.1",
			Port:       18080,
			Timeout:    5 * time.Second,
			BufferSize: 1024,
		},
		Modbus: types.ModbusConfig{
			Address:     "127.0.0.1:502",
			SlaveID:     1,
			BaseAddress: 0,
			Scale:       1000,
			Timeout:     2 * time.Second,
		},
		Serial: types.SerialConfig{
			PortName: "/dev/ttyUSB0",
			BaudRate: 115200,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		},
		Axes: map[types.AxisID]types.AxisConfig{
			"stage-x": {
				MinVelocity:      2,
				MaxVelocity:      100,
				AccelerationTime: 2,
				DecelerationTime: 2,
				StepPerUnit:      1,
				LowerLimit:       limit(-1000),
				UpperLimit:       limit(1000),
				Power:            true,
				Units:            "mm",
			},
			"stage-y": {
				MinVelocity:      2,
				MaxVelocity:      100,
				AccelerationTime: 2,
				DecelerationTime: 2,
				StepPerUnit:      1,
				LowerLimit:       limit(-1000),
				UpperLimit:       limit(1000),
				Power:            true,
				Units:            "mm",
			},
			"theta": {
				MinVelocity:      0,
				MaxVelocity:      3600,
				AccelerationTime: 0.5,
				DecelerationTime: 0.5,
				StepPerUnit:      100,
				Power:            true,
				Units:            "deg",
			},
		},
	}
}

// CreateDefaultConfig writes DefaultConfig to the config path and adopts it.
func (cm *ConfigManager) CreateDefaultConfig() error {
	return cm.SetConfig(DefaultConfig())
}

func (cm *ConfigManager) GetConfigPath() string {
	return cm.configPath
}

func (cm *ConfigManager) ExportConfig(path string) error {
	cm.configLock.RLock()
	defer cm.configLock.RUnlock()

	data, err := yaml.Marshal(cm.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	cm.logger.Info("Configuration exported", "path", path)
	return nil
}

func cloneConfig(c types.SystemConfig) types.SystemConfig {
	out := c
	out.Axes = make(map[types.AxisID]types.AxisConfig, len(c.Axes))
	for id, axis := range c.Axes {
		out.Axes[id] = axis
	}
	return out
}
