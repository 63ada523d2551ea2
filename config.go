package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"auditview/types"
)

// Config mirrors the TOML configuration document.
type Config struct {
	Directory          string `mapstructure:"directory"`
	User               string `mapstructure:"user"`
	StatusreportPeriod int    `mapstructure:"statusreport-period"` // seconds, 0 disables
	Input              string `mapstructure:"input"`               // "stdin" or "unix:/path"
	Marker             string `mapstructure:"marker"`

	Auditlog  LogfileConfig `mapstructure:"auditlog"`
	Filterlog LogfileConfig `mapstructure:"filterlog"`

	State StateConfig `mapstructure:"state"`

	Transform    TransformConfig    `mapstructure:"transform"`
	Translate    TranslateConfig    `mapstructure:"translate"`
	Enrich       EnrichConfig       `mapstructure:"enrich"`
	LabelProcess LabelProcessConfig `mapstructure:"label-process"`
	Filter       FilterConfig       `mapstructure:"filter"`
	Process      ProcessConfig      `mapstructure:"process"`
	Detect       DetectConfig       `mapstructure:"detect"`
	Debug        DebugConfig        `mapstructure:"debug"`
}

type LogfileConfig struct {
	File        string   `mapstructure:"file"`
	Size        int64    `mapstructure:"size"`
	Generations int      `mapstructure:"generations"`
	ReadUsers   []string `mapstructure:"read-users"`
	LinePrefix  string   `mapstructure:"line-prefix"`
}

type StateConfig struct {
	File        string `mapstructure:"file"`
	Generations int    `mapstructure:"generations"`
	MaxAge      int    `mapstructure:"max-age"` // seconds
}

type TransformConfig struct {
	ExecveArgv           []string `mapstructure:"execve-argv"` // "array", "string"
	ExecveArgvLimitBytes int      `mapstructure:"execve-argv-limit-bytes"`
}

type TranslateConfig struct {
	Universal bool `mapstructure:"universal"`
	UserDB    bool `mapstructure:"user-db"`
	DropRaw   bool `mapstructure:"drop-raw"`
}

type EnrichConfig struct {
	Pid           bool     `mapstructure:"pid"`
	ExecveEnv     []string `mapstructure:"execve-env"`
	Container     bool     `mapstructure:"container"`
	ContainerInfo bool     `mapstructure:"container_info"`
	Systemd       bool     `mapstructure:"systemd"`
	Script        bool     `mapstructure:"script"`
	UserGroups    bool     `mapstructure:"user-groups"`
	Prefix        string   `mapstructure:"prefix"`
}

type LabelProcessConfig struct {
	LabelKeys      []string          `mapstructure:"label-keys"`
	LabelExe       map[string]string `mapstructure:"label-exe"` // regex -> label
	UnlabelExe     map[string]string `mapstructure:"unlabel-exe"`
	LabelArgv      map[string]string `mapstructure:"label-argv"`
	UnlabelArgv    map[string]string `mapstructure:"unlabel-argv"`
	LabelArgvCount int               `mapstructure:"label-argv-count"`
	LabelArgvBytes int               `mapstructure:"label-argv-bytes"`
	LabelScript    map[string]string `mapstructure:"label-script"`
	UnlabelScript  map[string]string `mapstructure:"unlabel-script"`
	Propagate      []string          `mapstructure:"propagate-labels"`
}

type FilterConfig struct {
	FilterKeys          []string `mapstructure:"filter-keys"`
	FilterLabels        []string `mapstructure:"filter-labels"`
	FilterNullKeys      bool     `mapstructure:"filter-null-keys"`
	FilterSockaddr      []string `mapstructure:"filter-sockaddr"`
	FilterRawLines      []string `mapstructure:"filter-raw-lines"`
	KeepFirstPerProcess bool     `mapstructure:"keep-first-per-process"`
	FilterAction        string   `mapstructure:"filter-action"` // "drop" or "log"
}

type ProcessConfig struct {
	Grace int `mapstructure:"grace"` // seconds past exit before reclaim
}

type DetectConfig struct {
	Rules     string `mapstructure:"rules"` // sigma rules directory, empty disables
	File      string `mapstructure:"file"`
	QueueSize int    `mapstructure:"queue-size"`
}

type DebugConfig struct {
	ParseErrorLog LogfileConfig `mapstructure:"parse-error-log"`
}

// LoadConfig reads and validates the TOML configuration. All failures here
// are ConfigInvalid and fatal at startup.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("directory", ".")
	v.SetDefault("input", "stdin")
	v.SetDefault("statusreport-period", 0)
	v.SetDefault("auditlog.file", "audit.log")
	v.SetDefault("auditlog.size", 10*1024*1024)
	v.SetDefault("auditlog.generations", 5)
	v.SetDefault("state.generations", 3)
	v.SetDefault("state.max-age", 60)
	v.SetDefault("transform.execve-argv", []string{"array"})
	v.SetDefault("transform.execve-argv-limit-bytes", 10000)
	v.SetDefault("label-process.label-argv-count", 32)
	v.SetDefault("label-process.label-argv-bytes", 4096)
	v.SetDefault("filter.filter-action", "drop")
	v.SetDefault("process.grace", 300)
	v.SetDefault("detect.file", "sigma.log")
	v.SetDefault("detect.queue-size", 10000)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Input != "stdin" && !strings.HasPrefix(c.Input, "unix:") {
		return fmt.Errorf("%w: input must be \"stdin\" or \"unix:<path>\"", types.ErrConfigInvalid)
	}
	switch c.Filter.FilterAction {
	case "", "drop", "log":
	default:
		return fmt.Errorf("%w: filter-action must be \"drop\" or \"log\"", types.ErrConfigInvalid)
	}
	for _, mode := range c.Transform.ExecveArgv {
		if mode != "array" && mode != "string" {
			return fmt.Errorf("%w: execve-argv entries must be \"array\" or \"string\"", types.ErrConfigInvalid)
		}
	}
	if c.Directory != "" {
		if st, err := os.Stat(c.Directory); err == nil && !st.IsDir() {
			return fmt.Errorf("%w: directory %q is not a directory", types.ErrConfigInvalid, c.Directory)
		}
	}
	return nil
}

// CompileLabelRules compiles the [label-process] section. Regex errors are
// ConfigInvalid.
func (c *Config) CompileLabelRules() (*LabelRules, error) {
	rules := &LabelRules{
		LabelKeys: make(map[string]bool),
		ArgvCount: c.LabelProcess.LabelArgvCount,
		ArgvBytes: c.LabelProcess.LabelArgvBytes,
		Propagate: make(map[string]bool),
	}
	for _, k := range c.LabelProcess.LabelKeys {
		rules.LabelKeys[k] = true
	}
	for _, l := range c.LabelProcess.Propagate {
		rules.Propagate[l] = true
	}
	var err error
	if rules.LabelExe, err = compileRuleMap(c.LabelProcess.LabelExe); err != nil {
		return nil, err
	}
	if rules.UnlabelExe, err = compileRuleMap(c.LabelProcess.UnlabelExe); err != nil {
		return nil, err
	}
	if rules.LabelArgv, err = compileRuleMap(c.LabelProcess.LabelArgv); err != nil {
		return nil, err
	}
	if rules.UnlabelArgv, err = compileRuleMap(c.LabelProcess.UnlabelArgv); err != nil {
		return nil, err
	}
	if rules.LabelScript, err = compileRuleMap(c.LabelProcess.LabelScript); err != nil {
		return nil, err
	}
	if rules.UnlabelScript, err = compileRuleMap(c.LabelProcess.UnlabelScript); err != nil {
		return nil, err
	}
	return rules, nil
}

func compileRuleMap(m map[string]string) ([]LabelRule, error) {
	var rules []LabelRule
	for pattern, label := range m {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: label regex %q: %v", types.ErrConfigInvalid, pattern, err)
		}
		rules = append(rules, LabelRule{Pattern: re, Label: label})
	}
	return rules, nil
}

// CompileFilter compiles the [filter] section into the engine's runtime
// form.
func (c *Config) CompileFilter() (*FilterEngine, error) {
	e := &FilterEngine{
		keys:      make(map[string]bool),
		labels:    make(map[string]bool),
		nullKeys:  c.Filter.FilterNullKeys,
		keepFirst: c.Filter.KeepFirstPerProcess,
		action:    c.Filter.FilterAction,
	}
	if e.action == "" {
		e.action = "drop"
	}
	for _, k := range c.Filter.FilterKeys {
		e.keys[k] = true
	}
	for _, l := range c.Filter.FilterLabels {
		e.labels[l] = true
	}
	for _, s := range c.Filter.FilterSockaddr {
		p, err := ParseSockaddrPredicate(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrConfigInvalid, err)
		}
		e.sockaddrs = append(e.sockaddrs, p)
	}
	for _, pattern := range c.Filter.FilterRawLines {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: filter-raw-lines regex %q: %v", types.ErrConfigInvalid, pattern, err)
		}
		e.rawLines = append(e.rawLines, re)
	}
	return e, nil
}

func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.Process.Grace) * time.Second
}
