// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/aranea-iot/schcgw/internal/core"
	"github.com/aranea-iot/schcgw/internal/log"
)

// GlobalConfig is the top-level static configuration, mapped from the
// `schcgw:` root key in the YAML file.
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node"`
	Control ControlConfig `mapstructure:"control"`
	Link    LinkConfig    `mapstructure:"link"`
	Log     log.Config    `mapstructure:"log"`

	// DataDir holds runtime data; the device rule profiles live in
	// RulesFile underneath it unless an absolute path is given.
	DataDir   string `mapstructure:"data_dir" validate:"required"`
	RulesFile string `mapstructure:"rules_file" validate:"required"`
}

// NodeConfig identifies this gateway instance.
type NodeConfig struct {
	Name string            `mapstructure:"name"`
	Tags map[string]string `mapstructure:"tags"`
}

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket" validate:"required"`
	PIDFile string `mapstructure:"pid_file" validate:"required"`
}

// LinkConfig describes the LPWAN link the gateway fragments for.
type LinkConfig struct {
	// PeerAddr is the UDP host:port frames are forwarded to; empty
	// disables the network driver (frames are logged and dropped).
	PeerAddr string `mapstructure:"peer_addr"`
	// ListenAddr is the UDP endpoint inbound frames and acks arrive on.
	ListenAddr string `mapstructure:"listen_addr"`

	MTU                 int `mapstructure:"mtu" validate:"required,min=8,max=2048"`
	DutyCycleMS         int `mapstructure:"duty_cycle_ms" validate:"min=0"`
	RetransmitTimeoutMS int `mapstructure:"retransmit_timeout_ms" validate:"required,min=1"`
	// MaxAttempts bounds retransmission rounds per fragmentation; the
	// state machine itself never gives up, the session manager does.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,min=1"`
}

// configRoot wraps GlobalConfig under the YAML root key.
type configRoot struct {
	SCHCGW GlobalConfig `mapstructure:"schcgw"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides (the "schcgw." key prefix maps to SCHCGW_ env vars via the
// key replacer) and validates the result.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	cfg := root.SCHCGW

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("schcgw.control.socket", "/var/run/schcgw.sock")
	v.SetDefault("schcgw.control.pid_file", "/var/run/schcgw.pid")

	v.SetDefault("schcgw.data_dir", "/var/lib/schcgw")
	v.SetDefault("schcgw.rules_file", "rules.yml")

	v.SetDefault("schcgw.link.mtu", 51)
	v.SetDefault("schcgw.link.duty_cycle_ms", 100)
	v.SetDefault("schcgw.link.retransmit_timeout_ms", 5000)
	v.SetDefault("schcgw.link.max_attempts", 8)

	v.SetDefault("schcgw.log.level", "info")
	v.SetDefault("schcgw.log.file.enabled", false)
	v.SetDefault("schcgw.log.file.path", "/var/log/schcgw/schcgw.log")
	v.SetDefault("schcgw.log.file.max_size_mb", 100)
	v.SetDefault("schcgw.log.file.max_age_days", 30)
	v.SetDefault("schcgw.log.file.max_backups", 5)
}
