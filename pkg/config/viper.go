package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Loader overlays environment variables and an optional config file on top
// of a RuntimeConfig's defaults, for hosts that want that instead of
// constructing RuntimeConfig literals directly. Environment variables use
// the MODELCORE_ prefix with underscores separating nested fields, e.g.
// MODELCORE_CACHE_MAX_CACHED_MODELS.
type Loader struct {
	v *viper.Viper
}

// NewLoader constructs a Loader bound to the given optional config file
// path (yaml). An empty path skips file loading and relies on env vars and
// defaults alone.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix("MODELCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	return &Loader{v: v}
}

// Load reads the configured file (if any) then decodes into a RuntimeConfig,
// applying Defaults() to anything left unset.
func (l *Loader) Load() (*RuntimeConfig, error) {
	if l.v.ConfigFileUsed() != "" || l.v.GetString("config") != "" {
		if err := l.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}
	var cfg RuntimeConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.Defaults()
	return &cfg, nil
}
