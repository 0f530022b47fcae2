package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Flock/internal/retry"
)

// Config holds the node configuration. Values come from defaults, then the
// optional YAML file, then explicitly set flags.
type Config struct {
	// DataPath is the directory for the poll archive.
	DataPath string `yaml:"data"`

	// HTTPAddress is the HTTP API listen address. Empty disables the API.
	HTTPAddress string `yaml:"http"`

	// QUICAddress is the QUIC group listen address.
	QUICAddress string `yaml:"quic"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `yaml:"key"`

	// Peers are group members dialed at startup.
	Peers []string `yaml:"peers"`

	// Roles are advertised to the group. serve registers a service per role.
	Roles []string `yaml:"roles"`

	// RoamingRole is the role rendezvous requests are anycast to.
	RoamingRole string `yaml:"roaming_role"`

	// PlayerRole is the role poll probes are broadcast to.
	PlayerRole string `yaml:"player_role"`

	// Reply is what a roaming service answers to rendezvous requests.
	Reply string `yaml:"reply"`

	// Query is the payload roam anycasts.
	Query string `yaml:"query"`

	// Team is the player's team, matched against poll selectors.
	Team string `yaml:"team"`

	// Answer is the player's static answer.
	Answer string `yaml:"answer"`

	// AnswerWasm is a WASM answer policy; it replaces Answer when set.
	AnswerWasm string `yaml:"answer_wasm"`

	// GasLimit bounds each run of the answer policy.
	GasLimit uint64 `yaml:"gas_limit"`

	// Retry is the rendezvous retry schedule.
	Retry retry.Policy `yaml:"retry"`

	// ProbeInterval is the poll report period.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// Timeout bounds roam; zero waits until interrupted.
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// PrivateKey is the node's Ed25519 identity, loaded from KeyPath.
	PrivateKey ed25519.PrivateKey `yaml:"-"`
}

// defaultConfig returns the configuration used when nothing is set.
func defaultConfig() Config {
	return Config{
		DataPath:    "./data",
		HTTPAddress: ":8080",
		QUICAddress: ":9000",
		RoamingRole: "roaming",
		PlayerRole:  "player",
		Query:       "roam",
		LogLevel:    "info",
	}
}

// parseConfig parses the flags of command cmd and returns the remaining
// positional arguments.
func parseConfig(cmd string, args []string) (*Config, []string, error) {
	cfg := defaultConfig()

	var configPath string

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", cfg.HTTPAddress, "HTTP API address (empty disables)")
	fs.StringVar(&cfg.QUICAddress, "quic", cfg.QUICAddress, "QUIC group address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.Func("peers", "Comma-separated peer addresses to dial", func(s string) error {
		cfg.Peers = splitList(s)
		return nil
	})
	fs.Func("roles", "Comma-separated roles to advertise", func(s string) error {
		cfg.Roles = splitList(s)
		return nil
	})
	fs.StringVar(&cfg.RoamingRole, "roaming-role", cfg.RoamingRole, "Rendezvous target role")
	fs.StringVar(&cfg.PlayerRole, "player-role", cfg.PlayerRole, "Poll target role")
	fs.StringVar(&cfg.Reply, "reply", "", "Roaming service reply")
	fs.StringVar(&cfg.Query, "query", cfg.Query, "Rendezvous request payload")
	fs.StringVar(&cfg.Team, "team", "", "Player team")
	fs.StringVar(&cfg.Answer, "answer", "", "Player static answer")
	fs.StringVar(&cfg.AnswerWasm, "answer-wasm", "", "Player WASM answer policy")
	fs.Uint64Var(&cfg.GasLimit, "gas", 0, "Gas limit per answer policy run")
	fs.DurationVar(&cfg.Retry.Interval, "retry", 0, "Rendezvous retry interval (default 2s)")
	fs.IntVar(&cfg.Retry.MaxAttempts, "max-attempts", 0, "Rendezvous attempt cap (0 is unlimited)")
	fs.DurationVar(&cfg.ProbeInterval, "probe", 0, "Poll probe interval (default 2s)")
	fs.DurationVar(&cfg.Timeout, "timeout", 0, "Roam timeout (0 waits until interrupted)")
	fs.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "Log level")

	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parse flags:\n%w", err)
	}

	// Explicit flags win over the file: load it, then parse again.
	if configPath != "" {
		cfg = defaultConfig()

		if err := loadConfigFile(configPath, &cfg); err != nil {
			return nil, nil, err
		}

		if err := fs.Parse(args); err != nil {
			return nil, nil, fmt.Errorf("parse flags:\n%w", err)
		}
	}

	if err := cfg.Retry.Validate(); err != nil {
		return nil, nil, fmt.Errorf("retry policy:\n%w", err)
	}

	return &cfg, fs.Args(), nil
}

// loadConfigFile decodes a YAML file into cfg. Unknown keys are errors.
func loadConfigFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config:\n%w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config %s:\n%w", path, err)
	}

	return nil
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

// hasRole reports whether cfg advertises role.
func (c *Config) hasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
