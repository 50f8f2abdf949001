package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: CELLGATE_SERVER_ADDR overrides
// server.addr.
const EnvPrefix = "CELLGATE"

// overridable lists the scalar keys that flags and environment variables may
// set. Lists and maps (keys, routes, classes) come from the file only.
var overridable = []string{
	"server.addr",
	"observability.log_level",
	"observability.prometheus_path",
	"store.backend",
	"store.path",
	"limits.default",
	"limits.key_source",
	"limits.on_store_error",
}

// NewViper returns a viper instance reading CELLGATE_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range overridable {
		_ = v.BindEnv(k)
	}
	return v
}

// ApplyOverrides copies non-empty values held by v onto cfg and validates
// the result again.
func ApplyOverrides(cfg *Root, v *viper.Viper) error {
	set := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	set("server.addr", &cfg.Server.Addr)
	set("observability.log_level", &cfg.Observability.LogLevel)
	set("observability.prometheus_path", &cfg.Observability.PrometheusPath)
	set("store.backend", &cfg.Store.Backend)
	set("store.path", &cfg.Store.Path)
	set("limits.default", &cfg.Limits.Default)
	set("limits.key_source", &cfg.Limits.KeySource)
	set("limits.on_store_error", &cfg.Limits.OnStoreError)

	return cfg.Validate()
}
