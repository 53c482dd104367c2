// ============================================================================
// robot-relay CLI
// ============================================================================
//
// Package: internal/cli
// Responsibility: cobra command tree and YAML configuration
//
// Command structure:
//   robot-relay                   # Root command
//   ├── run                      # Run the control loop against the simulated robot
//   │   └── --config, -c         # Config file (default configs/default.yaml)
//   ├── --version                # Version information
//   └── --help
//
// The run command wires the whole stack: RobotData, the simulated
// (optionally monitored) driver, the backend, a frontend driven by a demo
// producer, the snapshot logger and the metrics endpoint. SIGINT/SIGTERM
// raise the process interrupt flag, which terminates the backend loop; the
// command then drains and exits.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/robot-relay/internal/backend"
	"github.com/ChuLiYu/robot-relay/internal/data"
	"github.com/ChuLiYu/robot-relay/internal/driver"
	"github.com/ChuLiYu/robot-relay/internal/frontend"
	"github.com/ChuLiYu/robot-relay/internal/logger"
	"github.com/ChuLiYu/robot-relay/internal/metrics"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

var log = slog.Default()

// Config maps the YAML configuration file.
type Config struct {
	Robot struct {
		Joints               int     `yaml:"joints"`
		HistorySize          int     `yaml:"history_size"`
		RealTimeMode         bool    `yaml:"real_time_mode"`
		FirstActionTimeoutMs int     `yaml:"first_action_timeout_ms"` // 0 disables the timeout
		MaxActions           uint32  `yaml:"max_actions"`
		MaxActionRepetitions uint32  `yaml:"max_action_repetitions"`
		ControlRateHz        float64 `yaml:"control_rate_hz"`
	} `yaml:"robot"`

	Monitor struct {
		Enabled                  bool `yaml:"enabled"`
		MaxActionDurationMs      int  `yaml:"max_action_duration_ms"`
		MaxInterActionDurationMs int  `yaml:"max_inter_action_duration_ms"`
	} `yaml:"monitor"`

	Logger struct {
		Enabled         bool   `yaml:"enabled"`
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"logger"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "robot-relay",
		Short: "robot-relay: control-loop middleware between a robot driver and its clients",
		Long: `robot-relay couples a real-time robot control loop with a set of bounded,
time-indexed data streams (desired action, applied action, observation,
status) that clients produce into and consume from.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop against the simulated robot",
		Long:  "Run the backend loop with a simulated n-joint robot and a sinusoidal demo producer. Stops on SIGINT/SIGTERM or after --duration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(duration)
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = run until interrupted)")

	return cmd
}

func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Robot.Joints <= 0 {
		cfg.Robot.Joints = 3
	}
	if cfg.Robot.ControlRateHz <= 0 {
		cfg.Robot.ControlRateHz = 100
	}
	return &cfg, nil
}

func runDemo(duration time.Duration) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Info("starting robot-relay",
		"joints", cfg.Robot.Joints,
		"real_time_mode", cfg.Robot.RealTimeMode,
		"control_rate_hz", cfg.Robot.ControlRateHz)

	robotData := data.New[types.NJointAction, types.NJointObservation](cfg.Robot.HistorySize)

	sim := driver.NewSim(driver.SimConfig{
		Joints:    cfg.Robot.Joints,
		CycleTime: time.Duration(float64(time.Second) / cfg.Robot.ControlRateHz),
	})

	var drv driver.Driver[types.NJointAction, types.NJointObservation] = sim
	if cfg.Monitor.Enabled {
		drv = driver.NewMonitored[types.NJointAction, types.NJointObservation](sim, driver.MonitorConfig{
			MaxActionDuration:      time.Duration(cfg.Monitor.MaxActionDurationMs) * time.Millisecond,
			MaxInterActionDuration: time.Duration(cfg.Monitor.MaxInterActionDurationMs) * time.Millisecond,
		})
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := collector.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	be := backend.New(drv, robotData, backend.Config{
		RealTimeMode:       cfg.Robot.RealTimeMode,
		FirstActionTimeout: time.Duration(cfg.Robot.FirstActionTimeoutMs) * time.Millisecond,
		MaxNumberOfActions: cfg.Robot.MaxActions,
	}, collector)
	be.SetMaxActionRepetitions(cfg.Robot.MaxActionRepetitions)

	if err := be.Initialize(); err != nil {
		be.Close()
		return err
	}

	var snapLogger *logger.Logger[types.NJointAction, types.NJointObservation]
	if cfg.Logger.Enabled {
		snapLogger = logger.New(robotData, logger.Config{
			Path:          cfg.Logger.Path,
			BufferSize:    cfg.Logger.BufferSize,
			FlushInterval: time.Duration(cfg.Logger.FlushIntervalMs) * time.Millisecond,
		})
		if err := snapLogger.Start(); err != nil {
			be.Close()
			return err
		}
	}

	// Demo producer: one frontend goroutine streaming a sinusoidal position
	// target for joint 0 at the control rate.
	fe := frontend.New(robotData)
	producerStop := make(chan struct{})
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		cycle := time.Duration(float64(time.Second) / cfg.Robot.ControlRateHz)
		ticker := time.NewTicker(cycle)
		defer ticker.Stop()

		start := time.Now()
		for {
			select {
			case <-producerStop:
				return
			case <-ticker.C:
				if !be.IsRunning() {
					return
				}
				target := make([]float64, cfg.Robot.Joints)
				target[0] = 0.5 * math.Sin(2*math.Pi*0.2*time.Since(start).Seconds())
				fe.AppendDesiredAction(types.PositionAction(target))
			}
		}
	}()

	if duration > 0 {
		go func() {
			time.Sleep(duration)
			log.Info("configured duration elapsed, shutting down")
			be.RequestShutdown()
		}()
	}

	// The backend exits on its own when the interrupt flag is raised.
	be.WaitUntilTerminated()

	close(producerStop)
	<-producerDone

	if snapLogger != nil {
		if err := snapLogger.Stop(); err != nil {
			log.Error("failed to stop logger", "error", err)
		}
	}

	be.Close()

	if newest, ok := robotData.Status.NewestIndex(); ok {
		status, err := robotData.Status.At(newest)
		if err == nil && status.ErrorKind != types.ErrorNone {
			return fmt.Errorf("loop terminated with %s: %s", status.ErrorKind, status.ErrorMessage)
		}
	}

	log.Info("robot-relay stopped")
	return nil
}
