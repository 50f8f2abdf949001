package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
)

// DefaultClass names the rate class used when a route names none.
const DefaultClass = "default"

type Server struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms" validate:"gte=0"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms" validate:"gte=0"`
	IdleTimeoutMS     int    `yaml:"idle_timeout_ms" validate:"gte=0"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms" validate:"gte=0"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes" validate:"gte=0"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	PrometheusPath string `yaml:"prometheus_path" validate:"startswith=/"`
	LogDecisions   bool   `yaml:"log_decisions"` // debug line per limiter decision
}

type APIKey struct {
	ID         string            `yaml:"id" validate:"required"`
	Secret     string            `yaml:"secret" validate:"required_without=SecretHash,excluded_with=SecretHash"`
	SecretHash string            `yaml:"secret_hash" validate:"omitempty,startswith=$argon2id$"`
	Metadata   map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header   string   `yaml:"header"`
	Required bool     `yaml:"required"` // reject requests without a key
	Keys     []APIKey `yaml:"keys" validate:"dive"`
}

type Store struct {
	Backend       string   `yaml:"backend" validate:"oneof=memory sqlite"`
	Path          string   `yaml:"path" validate:"required_if=Backend sqlite"`
	SweepInterval Duration `yaml:"sweep_interval" validate:"gte=0"`
	IdleTTL       Duration `yaml:"idle_ttl" validate:"gte=0"`
	MaxAttempts   int      `yaml:"max_attempts" validate:"gte=0"`
}

// Limits holds named rate classes written as "<limit>/<period>", e.g. "10/1m".
type Limits struct {
	Default        string            `yaml:"default"`
	Classes        map[string]string `yaml:"classes"`
	KeySource      string            `yaml:"key_source" validate:"oneof=api_key ip"`
	OnStoreError   string            `yaml:"on_store_error" validate:"oneof=deny allow"`
	TrustedProxies []string          `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
}

type Route struct {
	ID    string `yaml:"id" validate:"required"`
	Match struct {
		PathPrefix string   `yaml:"path_prefix" validate:"required,startswith=/"`
		Methods    []string `yaml:"methods"`
	} `yaml:"match"`

	Upstream struct {
		URL       string `yaml:"url" validate:"required,url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	Class     string            `yaml:"class"`
	Overrides map[string]string `yaml:"overrides"` // key id -> class
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Store         Store         `yaml:"store"`
	Limits        Limits        `yaml:"limits"`
	Routes        []Route       `yaml:"routes" validate:"dive"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (r Route) Timeout() time.Duration {
	return time.Duration(r.Upstream.TimeoutMS) * time.Millisecond
}

// Specs parses every rate class, including DefaultClass.
func (l Limits) Specs() (map[string]ratelimit.RateSpec, error) {
	specs := make(map[string]ratelimit.RateSpec, len(l.Classes)+1)
	for name, rate := range l.Classes {
		s, err := ratelimit.ParseRateSpec(rate)
		if err != nil {
			return nil, fmt.Errorf("limits.classes.%s: %w", name, err)
		}
		specs[name] = s
	}
	if _, ok := specs[DefaultClass]; !ok {
		s, err := ratelimit.ParseRateSpec(l.Default)
		if err != nil {
			return nil, fmt.Errorf("limits.default: %w", err)
		}
		specs[DefaultClass] = s
	}
	return specs, nil
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (cfg *Root) SetDefaults() {
	for i := range cfg.Routes {
		if cfg.Routes[i].Upstream.TimeoutMS <= 0 {
			cfg.Routes[i].Upstream.TimeoutMS = 3000
		}
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.SweepInterval == 0 {
		cfg.Store.SweepInterval = Duration(time.Minute)
	}
	if cfg.Store.IdleTTL == 0 {
		cfg.Store.IdleTTL = Duration(time.Hour)
	}
	if cfg.Limits.Default == "" {
		cfg.Limits.Default = "60/1m"
	}
	if cfg.Limits.KeySource == "" {
		cfg.Limits.KeySource = "api_key"
	}
	if cfg.Limits.OnStoreError == "" {
		cfg.Limits.OnStoreError = "deny"
	}
}

// Validate checks struct tags, then rules spanning several fields.
func (cfg *Root) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return formatValidationErrors(err)
	}

	specs, err := cfg.Limits.Specs()
	if err != nil {
		return err
	}

	seen := map[string]struct{}{}
	for _, rt := range cfg.Routes {
		if _, dup := seen[rt.ID]; dup {
			return fmt.Errorf("routes: duplicate id %q", rt.ID)
		}
		seen[rt.ID] = struct{}{}

		if rt.Class != "" {
			if _, ok := specs[rt.Class]; !ok {
				return fmt.Errorf("routes.%s.class: unknown rate class %q", rt.ID, rt.Class)
			}
		}
		for keyID, class := range rt.Overrides {
			if _, ok := specs[class]; !ok {
				return fmt.Errorf("routes.%s.overrides.%s: unknown rate class %q", rt.ID, keyID, class)
			}
		}
	}

	ids := map[string]struct{}{}
	for _, k := range cfg.Auth.Keys {
		if _, dup := ids[k.ID]; dup {
			return fmt.Errorf("auth.keys: duplicate id %q", k.ID)
		}
		ids[k.ID] = struct{}{}
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Root.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Duration is a time.Duration written as a Go duration string ("90s", "1m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}
