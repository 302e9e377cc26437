//go:build linux

// Package config loads the listener configuration with viper and validates
// it before any socket is opened.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/touka-aoi/rdp-listener/core/engine"
	"github.com/touka-aoi/rdp-listener/server"
)

const EnvPrefix = "RDPL"

// File is the struct mapped from the configuration file, environment and
// flags.
type File struct {
	Bind    []string   `mapstructure:"bind" validate:"dive,bindaddr"`
	Port    int        `mapstructure:"port" validate:"gte=1,lte=65535"`
	Local   []string   `mapstructure:"local" validate:"dive,required"`
	Fds     []int      `mapstructure:"fds" validate:"dive,gte=0"`
	Backlog int        `mapstructure:"backlog" validate:"gte=1,lte=4096"`
	Log     LogFile    `mapstructure:"log"`
	Policy  PolicyFile `mapstructure:"policy"`
}

type PolicyFile struct {
	LocalOnly bool     `mapstructure:"local_only"`
	Allow     []string `mapstructure:"allow" validate:"dive,cidr"`
	MaxPeers  int      `mapstructure:"max_peers" validate:"gte=0"`
}

// Config is the validated configuration in the types the server uses.
type Config struct {
	Log    *Log
	Server server.NetworkServerConfig
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("bind", []string{})
	v.SetDefault("port", 3389)
	v.SetDefault("local", []string{})
	v.SetDefault("fds", []int{})
	v.SetDefault("backlog", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "stderr")
	v.SetDefault("policy.local_only", false)
	v.SetDefault("policy.allow", []string{})
	v.SetDefault("policy.max_peers", 0)
}

// Load reads the file named by the "config" key, if any, overlays RDPL_*
// environment variables and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return f.Init()
}

func newValidator() *validator.Validate {
	validate := validator.New()
	// Registration only fails for an empty tag or nil func.
	_ = validate.RegisterValidation("bindaddr", validateBindAddr)
	return validate
}

// validateBindAddr accepts "" (all interfaces), a vsock://cid target with a
// decimal 32-bit cid, or any host text for the resolver.
func validateBindAddr(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if cid, ok := strings.CutPrefix(s, engine.VSockPrefix); ok {
		_, err := strconv.ParseUint(cid, 10, 32)
		return err == nil
	}
	return !strings.ContainsAny(s, " \t\r\n")
}

func (f File) Init() (*Config, error) {
	if err := newValidator().Struct(f); err != nil {
		return nil, err
	}

	lg, err := f.Log.Init()
	if err != nil {
		return nil, err
	}

	allow := make([]netip.Prefix, 0, len(f.Policy.Allow))
	for _, s := range f.Policy.Allow {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("policy.allow %q: %w", s, err)
		}
		allow = append(allow, p.Masked())
	}

	return &Config{
		Log: lg,
		Server: server.NetworkServerConfig{
			BindAddresses: f.Bind,
			Port:          uint16(f.Port),
			LocalPaths:    f.Local,
			Fds:           f.Fds,
			Backlog:       f.Backlog,
			Policy: server.Policy{
				LocalOnly: f.Policy.LocalOnly,
				Allow:     allow,
				MaxPeers:  f.Policy.MaxPeers,
			},
		},
	}, nil
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() *slog.Logger {
	return NewLogger(c.Log.Output, c.Log.Level)
}

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
