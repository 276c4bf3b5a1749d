package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghaiht95/genmob/globals"
	"github.com/ghaiht95/genmob/retry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultListen     = "localhost:8000"
	defaultLockPath   = "genmob.lock"
	defaultDSN        = "genmob.db"
	defaultGrace      = 60 * time.Second
	defaultCapacity   = 8
	defaultMaxCap     = 64
	defaultMessageLen = 2000
	defaultRosterSize = 1024
	defaultRosterTTL  = 5 * time.Second
	defaultSchedule   = "@every 15m"
)

// Config is the global configuration object which is filled from the configuration file(s), the environment
// (GENMOB_ prefix) and command-line flags.
type Config struct {
	Listen            string            `mapstructure:"listen"`
	LogLevel          string            `mapstructure:"log_level"`
	LockPath          string            `mapstructure:"lock_path"`
	PersistenceConfig PersistenceConfig `mapstructure:"persistence"`
	TunnelConfig      TunnelConfig      `mapstructure:"tunnel"`
	LobbyConfig       LobbyConfig       `mapstructure:"lobby"`
	RetryConfig       retry.Policy      `mapstructure:"retry"`
	SweepConfig       SweepConfig       `mapstructure:"sweep"`
	AuthConfig        AuthConfig        `mapstructure:"auth"`
	OIDCConfigs       []OIDCConfig      `mapstructure:"oidc"`
}

// PersistenceConfig selects the room store. Type is "sqlite" or "postgres". TeardownPath is the buntdb file that
// keeps tunnel teardowns which could not be completed; ":memory:" keeps them in memory only.
type PersistenceConfig struct {
	Type         string `mapstructure:"type"`
	DSN          string `mapstructure:"dsn"`
	TeardownPath string `mapstructure:"teardown_path"`
}

// TunnelConfig configures the tunnel provisioner. Type is "memory", "softether" (vpncmd is executed directly) or
// "plugin" (PluginCmd is started as a go-plugin subprocess).
type TunnelConfig struct {
	Type           string        `mapstructure:"type"`
	VpncmdPath     string        `mapstructure:"vpncmd_path"`
	ServerIP       string        `mapstructure:"server_ip"`
	ServerPort     int           `mapstructure:"server_port"`
	AdminPassword  string        `mapstructure:"admin_password"`
	AdminHub       string        `mapstructure:"admin_hub"`
	HubPassword    string        `mapstructure:"hub_password"`
	PluginCmd      string        `mapstructure:"plugin_cmd"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type LobbyConfig struct {
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	DefaultCapacity  int           `mapstructure:"default_capacity"`
	MaxCapacity      int           `mapstructure:"max_capacity"`
	MaxMessageLength int           `mapstructure:"max_message_length"`
	RosterCacheSize  int           `mapstructure:"roster_cache_size"`
	RosterTTL        time.Duration `mapstructure:"roster_ttl"`
}

type SweepConfig struct {
	Schedule            string `mapstructure:"schedule"`
	OrphanHubs          bool   `mapstructure:"orphan_hubs"`
	TeardownMaxAttempts int    `mapstructure:"teardown_max_attempts"`
}

// AuthConfig controls how connections obtain an identity when no OIDC token is presented. TrustIdentityHeader
// accepts the X-Identity header as is (development setups behind a trusted proxy), AllowGuests hands out generated
// guest names.
type AuthConfig struct {
	TrustIdentityHeader bool `mapstructure:"trust_identity_header"`
	AllowGuests         bool `mapstructure:"allow_guests"`
}

// An OIDCConfig  object configures an OpenID Connect provider that is used to authenticate users. Users provide
// an ID token and the name of the provider, the authentication is then performed via verification of the token.
type OIDCConfig struct {
	Name        string `mapstructure:"name"`
	ClientId    string `mapstructure:"client_id"`
	ProviderUrl string `mapstructure:"provider_url"` // f.e. "https://accounts.google.com", this is used to construct the discovery url and subsequently discover the openid endpoints
}

func GetFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("configuration", pflag.ContinueOnError)
	flagSet.String("listen", defaultListen, "http service address (including port)")
	flagSet.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flagSet.String("lock-path", defaultLockPath, "lock file that ensures a single coordinating process")
	return flagSet
}

// wordSepNormalizeFunc allows for normalization of the flag names (which use - as a separator)
func wordSepNormalizeFunc(f *pflag.FlagSet, name string) pflag.NormalizedName {
	from := "-"
	to := "_"
	name = strings.Replace(name, from, to, -1)
	return pflag.NormalizedName(name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", defaultListen)
	v.SetDefault("log_level", "info")
	v.SetDefault("lock_path", defaultLockPath)
	v.SetDefault("persistence.type", "sqlite")
	v.SetDefault("persistence.dsn", defaultDSN)
	v.SetDefault("persistence.teardown_path", ":memory:")
	v.SetDefault("tunnel.type", "memory")
	v.SetDefault("tunnel.vpncmd_path", "/usr/local/vpnserver/vpncmd")
	v.SetDefault("tunnel.server_ip", "localhost")
	v.SetDefault("tunnel.server_port", 443)
	v.SetDefault("tunnel.admin_hub", "DEFAULT")
	v.SetDefault("tunnel.command_timeout", 30*time.Second)
	// keys without a default are invisible to AutomaticEnv during Unmarshal
	v.SetDefault("tunnel.admin_password", "")
	v.SetDefault("tunnel.hub_password", "")
	v.SetDefault("tunnel.plugin_cmd", "")
	v.SetDefault("auth.trust_identity_header", false)
	v.SetDefault("auth.allow_guests", false)
	v.SetDefault("lobby.grace_period", defaultGrace)
	v.SetDefault("lobby.default_capacity", defaultCapacity)
	v.SetDefault("lobby.max_capacity", defaultMaxCap)
	v.SetDefault("lobby.max_message_length", defaultMessageLen)
	v.SetDefault("lobby.roster_cache_size", defaultRosterSize)
	v.SetDefault("lobby.roster_ttl", defaultRosterTTL)
	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", retry.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("sweep.schedule", defaultSchedule)
	v.SetDefault("sweep.orphan_hubs", true)
	v.SetDefault("sweep.teardown_max_attempts", 20)
}

// ReadConfiguration reads and parses the configuration located at configPath, which can either point to a single TOML
// file or to a directory, in which case all *.toml files in this directory are concatenated. It returns a Config
// object.
func ReadConfiguration(configPath string, flagSet *pflag.FlagSet) (*Config, error) {
	cfg := Config{}
	v := viper.New()
	setDefaults(v)
	if flagSet != nil {
		flagSet.SetNormalizeFunc(wordSepNormalizeFunc)
		err := v.BindPFlags(flagSet)
		if err != nil {
			globals.AppLogger.Error("could not bind flags (ignored)", "error", err)
		}
	}
	v.SetEnvPrefix("GENMOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		fi, err := os.Stat(configPath)
		if err != nil {
			return nil, err
		}
		contents := make([]byte, 0)
		files := []string{configPath}
		if fi.IsDir() {
			files, err = filepath.Glob(filepath.Join(configPath, "*.toml"))
			if err != nil {
				return nil, err
			}
		}
		for _, configFile := range files {
			fileContents, err := os.ReadFile(configFile)
			if err != nil {
				return nil, err
			}
			contents = append(contents, fileContents...)
			contents = append(contents, '\n')
		}
		v.SetConfigType("toml")
		err = v.ReadConfig(bytes.NewBuffer(contents))
		if err != nil {
			return nil, err
		}
	}
	err := v.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	globals.AppLogger.Debug("configuration read", "path", configPath, "persistence", cfg.PersistenceConfig.Type, "tunnel", cfg.TunnelConfig.Type)
	return &cfg, nil
}
