package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/shlex"
)

// Supervisor holds the process-supervisor tunables. The config
// file expresses them in Go duration syntax ("30s", "15m") under
// the "timeouts" key.
type Supervisor struct {
	SweepInterval                time.Duration
	TimeoutStarting              time.Duration
	TimeoutUserTurn              time.Duration
	TimeoutAssistantTurn         time.Duration
	TimeoutAssistantTurnAbsolute time.Duration
	ShutdownGrace                time.Duration
	PendingTitleFlushDelay       time.Duration
}

// Config holds all application configuration.
type Config struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ProjectsRoot string `json:"projects_root"`
	PlansDir     string `json:"plans_dir"`
	DataDir      string `json:"data_dir"`
	DBPath       string `json:"-"`

	// AgentCommand is the subprocess command line, parsed with
	// shell-style word splitting. The first word is the binary.
	AgentCommand string `json:"agent_command"`

	Supervisor Supervisor `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".twicc")
	return Config{
		Host:         "127.0.0.1",
		Port:         8787,
		ProjectsRoot: filepath.Join(home, ".claude", "projects"),
		PlansDir:     filepath.Join(home, ".claude", "plans"),
		DataDir:      dataDir,
		DBPath:       filepath.Join(dataDir, "twicc.db"),
		AgentCommand: "claude",
		Supervisor: Supervisor{
			SweepInterval:                30 * time.Second,
			TimeoutStarting:              60 * time.Second,
			TimeoutUserTurn:              15 * time.Minute,
			TimeoutAssistantTurn:         2 * time.Hour,
			TimeoutAssistantTurnAbsolute: 6 * time.Hour,
			ShutdownGrace:                5 * time.Second,
			PendingTitleFlushDelay:       500 * time.Millisecond,
		},
	}, nil
}

// Load builds a Config by layering: defaults < config file < env <
// flags. The provided FlagSet must already be parsed by the caller.
// Only flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.loadEnv()
	applyFlags(&cfg, fs)

	cfg.DBPath = filepath.Join(cfg.DataDir, "twicc.db")
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

// durationField maps a config-file timeouts key to its slot.
type durationField struct {
	key string
	dst *time.Duration
}

func (c *Config) durationFields() []durationField {
	s := &c.Supervisor
	return []durationField{
		{"sweep_interval", &s.SweepInterval},
		{"timeout_starting", &s.TimeoutStarting},
		{"timeout_user_turn", &s.TimeoutUserTurn},
		{"timeout_assistant_turn", &s.TimeoutAssistantTurn},
		{"timeout_assistant_turn_absolute", &s.TimeoutAssistantTurnAbsolute},
		{"shutdown_grace", &s.ShutdownGrace},
		{"pending_title_flush_delay", &s.PendingTitleFlushDelay},
	}
}

func (c *Config) loadFile() error {
	// The data dir may be moved by env before the file is read.
	if v := os.Getenv("TWICC_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host         string            `json:"host"`
		Port         int               `json:"port"`
		ProjectsRoot string            `json:"projects_root"`
		PlansDir     string            `json:"plans_dir"`
		AgentCommand string            `json:"agent_command"`
		Timeouts     map[string]string `json:"timeouts"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port != 0 {
		c.Port = file.Port
	}
	if file.ProjectsRoot != "" {
		c.ProjectsRoot = file.ProjectsRoot
	}
	if file.PlansDir != "" {
		c.PlansDir = file.PlansDir
	}
	if file.AgentCommand != "" {
		c.AgentCommand = file.AgentCommand
	}
	for _, f := range c.durationFields() {
		raw, ok := file.Timeouts[f.key]
		if !ok {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("timeouts.%s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("TWICC_PROJECTS_DIR"); v != "" {
		c.ProjectsRoot = v
	}
	if v := os.Getenv("TWICC_PLANS_DIR"); v != "" {
		c.PlansDir = v
	}
	if v := os.Getenv("TWICC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TWICC_AGENT_COMMAND"); v != "" {
		c.AgentCommand = v
	}
}

// AgentArgv returns the subprocess command line split into argv,
// honoring shell-style quoting.
func (c *Config) AgentArgv() ([]string, error) {
	argv, err := shlex.Split(c.AgentCommand)
	if err != nil {
		return nil, fmt.Errorf(
			"parsing agent_command %q: %w", c.AgentCommand, err,
		)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("agent_command is empty")
	}
	return argv, nil
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8787, "Port to listen on")
	fs.String("projects-root", "",
		"Transcript projects root directory")
	fs.String("agent-command", "",
		"Agent subprocess command line")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "projects-root":
			cfg.ProjectsRoot = f.Value.String()
		case "agent-command":
			cfg.AgentCommand = f.Value.String()
		}
	})
}
