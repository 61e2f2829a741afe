// Package config loads and validates the hub configuration schema with
// github.com/knadh/koanf/v2, layering a YAML file under environment
// variable overrides.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fixed top-level configuration schema.
type Config struct {
	Console ConsoleConfig `koanf:"console"`
	Network NetworkConfig `koanf:"network"`
	Watch   []WatchRule   `koanf:"watch"`
	Redact  RedactConfig  `koanf:"redact"`
	Hub     HubConfig     `koanf:"hub"`
	Session SessionConfig `koanf:"session"`
}

type ConsoleConfig struct {
	Include []string `koanf:"include"`
}

type NetworkConfig struct {
	CaptureBody bool     `koanf:"captureBody"`
	MaxBodySize int      `koanf:"maxBodySize"`
	Ignore      []string `koanf:"ignore"`
}

type WatchRule struct {
	Label           string   `koanf:"label"`
	Source          string   `koanf:"source"`
	StatusCodes     []int    `koanf:"statusCodes"`
	URLPattern      string   `koanf:"urlPattern"`
	Methods         []string `koanf:"methods"`
	Levels          []string `koanf:"levels"`
	MessageContains string   `koanf:"messageContains"`
}

type RedactConfig struct {
	Fields      []string `koanf:"fields"`
	URLPatterns []string `koanf:"urlPatterns"`
}

type HubConfig struct {
	HTTPPort int `koanf:"httpPort"`
	WSPort   int `koanf:"wsPort"`
}

type SessionConfig struct {
	AutoStart      bool `koanf:"autoStart"`
	CaptureStorage bool `koanf:"captureStorage"`
}

// consoleAliases expand a shorthand console.include entry into its member
// levels; unknown level names are silently dropped by ExpandConsoleLevels.
var consoleAliases = map[string][]string{
	"all":                 {"log", "debug", "warn", "error"},
	"verbose":             {"log", "debug", "warn", "error"},
	"errors":              {"error"},
	"errors-and-warnings": {"error", "warn"},
}

var validConsoleLevels = map[string]struct{}{
	"log": {}, "debug": {}, "warn": {}, "error": {},
}

// ExpandConsoleLevels expands aliases and drops unknown level names,
// returning the closed set of concrete levels console.include selects.
func ExpandConsoleLevels(include []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(level string) {
		if _, ok := validConsoleLevels[level]; !ok {
			return
		}
		if _, dup := seen[level]; dup {
			return
		}
		seen[level] = struct{}{}
		out = append(out, level)
	}
	for _, raw := range include {
		if expanded, ok := consoleAliases[raw]; ok {
			for _, level := range expanded {
				add(level)
			}
			continue
		}
		add(raw)
	}
	return out
}

// Default returns the configuration defaults documented in spec §6.3.
func Default() *Config {
	return &Config{
		Console: ConsoleConfig{Include: []string{"error", "warn", "log"}},
		Network: NetworkConfig{CaptureBody: true, MaxBodySize: 51200, Ignore: nil},
		Watch:   nil,
		Redact:  RedactConfig{Fields: []string{"password", "token", "authorization", "cookie"}},
		Hub:     HubConfig{HTTPPort: 5000, WSPort: 4999},
		Session: SessionConfig{AutoStart: false, CaptureStorage: true},
	}
}

// Load reads configuration from path (if it exists) layered under the
// documented defaults, then applies DAIBUG_ environment variable overrides
// (e.g. DAIBUG_HUB__HTTPPORT=6000). Defaults are seeded with k.Set before
// the file/env layers so either one can override them.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k, Default())

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	// Env names are upper-case, so map them back onto the camelCase keys
	// already present; otherwise hub.httpport would sit beside hub.httpPort
	// instead of replacing it.
	known := make(map[string]string)
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	if err := k.Load(env.Provider("DAIBUG_", ".", func(s string) string {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DAIBUG_")), "__", ".")
		if canonical, ok := known[key]; ok {
			return canonical
		}
		return key
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf, def *Config) {
	k.Set("console.include", def.Console.Include)
	k.Set("network.captureBody", def.Network.CaptureBody)
	k.Set("network.maxBodySize", def.Network.MaxBodySize)
	k.Set("network.ignore", def.Network.Ignore)
	k.Set("redact.fields", def.Redact.Fields)
	k.Set("redact.urlPatterns", def.Redact.URLPatterns)
	k.Set("hub.httpPort", def.Hub.HTTPPort)
	k.Set("hub.wsPort", def.Hub.WSPort)
	k.Set("session.autoStart", def.Session.AutoStart)
	k.Set("session.captureStorage", def.Session.CaptureStorage)
}

// Validate returns a list of human-readable validation errors; an empty
// slice means cfg is valid.
func Validate(cfg *Config) []string {
	var errs []string

	if cfg.Hub.HTTPPort < 1 || cfg.Hub.HTTPPort > 65535 {
		errs = append(errs, "hub.httpPort must be between 1 and 65535")
	}
	if cfg.Hub.WSPort < 1 || cfg.Hub.WSPort > 65535 {
		errs = append(errs, "hub.wsPort must be between 1 and 65535")
	}
	if cfg.Network.MaxBodySize < 0 {
		errs = append(errs, "network.maxBodySize must be >= 0")
	}
	for i, rule := range cfg.Watch {
		if rule.Label == "" {
			errs = append(errs, ruleErr(i, "label must not be empty"))
			continue
		}
		if len(rule.StatusCodes) == 0 && rule.URLPattern == "" && len(rule.Methods) == 0 &&
			len(rule.Levels) == 0 && rule.MessageContains == "" {
			errs = append(errs, ruleErr(i, "at least one condition must be present"))
		}
	}
	return errs
}

func ruleErr(i int, msg string) string {
	return "watch[" + strconv.Itoa(i) + "]: " + msg
}

