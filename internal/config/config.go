// Package config loads and validates the orchestrator's top-level
// configuration document (JSON or YAML).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agyc/orchestrator/internal/domain"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
}

// DispatcherConfig controls the dispatch and routing engine.
type DispatcherConfig struct {
	Routing                    string `json:"routing" yaml:"routing" validate:"oneof=round-robin lru health"`
	GlobalQueueSize            int    `json:"globalQueueSize" yaml:"globalQueueSize" validate:"gt=0"`
	PerAccountQueueSize        int    `json:"perAccountQueueSize" yaml:"perAccountQueueSize" validate:"gt=0"`
	TaskTimeoutSeconds         int    `json:"taskTimeoutSeconds" yaml:"taskTimeoutSeconds" validate:"gt=0"`
	HealthCheckIntervalSeconds int    `json:"healthCheckIntervalSeconds" yaml:"healthCheckIntervalSeconds" validate:"gt=0"`
}

// AccountConfig describes one tenant's isolated backend.
type AccountConfig struct {
	ID             string            `json:"id" yaml:"id" validate:"required"`
	StateDir       string            `json:"stateDir" yaml:"stateDir" validate:"required"`
	StartCommand   []string          `json:"startCommand" yaml:"startCommand"`
	HealthCommand  []string          `json:"healthCommand" yaml:"healthCommand"`
	TaskCommand    []string          `json:"taskCommand" yaml:"taskCommand"`
	Env            map[string]string `json:"env" yaml:"env"`
	MaxConcurrency int               `json:"maxConcurrency" yaml:"maxConcurrency" validate:"gt=0"`
}

// Config is the fully parsed and validated top-level document.
type Config struct {
	Server     ServerConfig      `json:"server" yaml:"server"`
	Dispatcher DispatcherConfig  `json:"dispatcher" yaml:"dispatcher"`
	Accounts   []AccountConfig   `json:"accounts" yaml:"accounts" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Load reads path (detecting JSON vs YAML by extension), applies defaults,
// validates the result, and returns it. All failures wrap domain.ErrConfig.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("op=config.Load reading %s: %w: %v", path, domain.ErrConfig, err)
	}

	var doc rawDoc
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return Config{}, fmt.Errorf("op=config.Load parsing yaml %s: %w: %v", path, domain.ErrConfig, err)
		}
	} else {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return Config{}, fmt.Errorf("op=config.Load parsing json %s: %w: %v", path, domain.ErrConfig, err)
		}
	}

	cfg, err := doc.toConfig()
	if err != nil {
		return Config{}, fmt.Errorf("op=config.Load %s: %w: %v", path, domain.ErrConfig, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load validating %s: %w: %v", path, domain.ErrConfig, err)
	}
	return cfg, nil
}

// rawDoc mirrors Config but with every field optional, so defaults can be
// applied before validation runs.
type rawDoc struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Accounts   []AccountConfig  `json:"accounts" yaml:"accounts"`
}

func (d rawDoc) toConfig() (Config, error) {
	srv := d.Server
	if srv.Host == "" {
		srv.Host = "127.0.0.1"
	}
	if srv.Port == 0 {
		srv.Port = 8088
	}

	disp := d.Dispatcher
	if disp.Routing == "" {
		disp.Routing = "round-robin"
	}
	if disp.GlobalQueueSize == 0 {
		disp.GlobalQueueSize = 200
	}
	if disp.PerAccountQueueSize == 0 {
		disp.PerAccountQueueSize = 50
	}
	if disp.TaskTimeoutSeconds == 0 {
		disp.TaskTimeoutSeconds = 600
	}
	if disp.HealthCheckIntervalSeconds == 0 {
		disp.HealthCheckIntervalSeconds = 10
	}

	accounts := make([]AccountConfig, 0, len(d.Accounts))
	for _, a := range d.Accounts {
		a.ID = strings.TrimSpace(a.ID)
		a.StateDir = strings.TrimSpace(a.StateDir)
		if a.StateDir != "" {
			expanded, err := expandHome(a.StateDir)
			if err != nil {
				return Config{}, fmt.Errorf("account %s: %w", a.ID, err)
			}
			a.StateDir = expanded
		}
		if a.Env == nil {
			a.Env = map[string]string{}
		}
		if _, ok := a.Env["AG_CONFIG_DIR"]; !ok {
			a.Env["AG_CONFIG_DIR"] = a.StateDir
		}
		if a.MaxConcurrency <= 0 {
			a.MaxConcurrency = 1
		}
		accounts = append(accounts, a)
	}

	return Config{Server: srv, Dispatcher: disp, Accounts: accounts}, nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding ~ in stateDir: %w", err)
	}
	if p == "~" {
		return home, nil
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}
