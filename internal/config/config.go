package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlexKimmel/ratewindow/internal/ratelimit"
)

const (
	ModeDelay  = "delay"  // hold the request until its window opens
	ModeReject = "reject" // answer 429 with Retry-After
)

type Server struct {
	Addr           string `yaml:"addr"`
	Upstream       string `yaml:"upstream"`
	UpstreamTimeMS int    `yaml:"upstream_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`

	// TrustedProxies lists the addresses (IPs or CIDRs) whose X-Forwarded-For
	// and X-Real-IP headers are believed. Empty means none are.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type Observability struct {
	LogLevel    string `yaml:"log_level"`    // "debug","info","warn","error"
	MetricsPath string `yaml:"metrics_path"` // e.g. "/metrics"
}

type Quota struct {
	Limit    int `yaml:"limit"`
	PeriodMS int `yaml:"period_ms"`
}

type Limits struct {
	Default struct {
		Quota `yaml:",inline"`
		Mode  string `yaml:"mode"`
	} `yaml:"default"`

	// Overrides replace the default quota for one API key ID. A zero field
	// inherits the default's value.
	Overrides map[string]Quota `yaml:"overrides"`

	MaxWaitMS      int `yaml:"max_wait_ms"`
	CleanupEveryMS int `yaml:"cleanup_every_ms"`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// Auth is optional: without keys every caller is limited by client IP.
type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout is zero by default: delayed requests may be held for a whole
// period before the upstream is even contacted.
func (s Server) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) UpstreamTimeout() time.Duration {
	return time.Duration(s.UpstreamTimeMS) * time.Millisecond
}

// TrustedProxyPrefixes returns the parsed trusted_proxies list. Entries that
// do not parse are skipped; Validate reports them.
func (s Server) TrustedProxyPrefixes() []netip.Prefix {
	var out []netip.Prefix
	for _, raw := range s.TrustedProxies {
		if p, err := parsePrefix(raw); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func (a Auth) Enabled() bool { return len(a.Keys) > 0 }

// Pairs maps secret -> key ID, the shape auth.NewStatic expects.
func (a Auth) Pairs() map[string]string {
	out := make(map[string]string, len(a.Keys))
	for _, k := range a.Keys {
		out[k.Secret] = k.ID
	}
	return out
}

func (q Quota) policy() ratelimit.Policy {
	return ratelimit.Policy{
		Limit:  q.Limit,
		Period: time.Duration(q.PeriodMS) * time.Millisecond,
	}
}

func (l Limits) Policy() ratelimit.Policy {
	return l.Default.policy()
}

// OverridePolicies resolves every override against the default quota.
func (l Limits) OverridePolicies() map[string]ratelimit.Policy {
	if len(l.Overrides) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Policy, len(l.Overrides))
	for id, q := range l.Overrides {
		if q.Limit == 0 {
			q.Limit = l.Default.Limit
		}
		if q.PeriodMS == 0 {
			q.PeriodMS = l.Default.PeriodMS
		}
		out[id] = q.policy()
	}
	return out
}

// MaxWait caps how long a delayed request may be held; zero means no cap.
func (l Limits) MaxWait() time.Duration {
	return time.Duration(l.MaxWaitMS) * time.Millisecond
}

func (l Limits) CleanupEvery() time.Duration {
	return time.Duration(l.CleanupEveryMS) * time.Millisecond
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Root, error) {
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("RATEWINDOW_ADDR")); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RATEWINDOW_UPSTREAM")); v != "" {
		c.Server.Upstream = v
	}
	if v := strings.TrimSpace(os.Getenv("RATEWINDOW_LOG_LEVEL")); v != "" {
		c.Observability.LogLevel = v
	}
}

func (c *Root) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.UpstreamTimeMS <= 0 {
		c.Server.UpstreamTimeMS = 3000
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.MetricsPath == "" {
		c.Observability.MetricsPath = "/metrics"
	}
	if c.Limits.Default.Mode == "" {
		c.Limits.Default.Mode = ModeDelay
	}
	if c.Limits.CleanupEveryMS <= 0 {
		c.Limits.CleanupEveryMS = 60_000
	}
}

// Validate rejects configuration the limiter could not be built from. Limit
// and period are not defaulted: a missing quota is an error, not "unlimited".
func (c *Root) Validate() error {
	var errs []error

	p := c.Limits.Policy()
	if _, err := ratelimit.New(p.Limit, p.Period); err != nil {
		errs = append(errs, fmt.Errorf("limits.default: %w", err))
	}

	switch c.Limits.Default.Mode {
	case ModeDelay, ModeReject:
	default:
		errs = append(errs, fmt.Errorf("limits.default.mode: unknown mode %q", c.Limits.Default.Mode))
	}

	ids := make(map[string]struct{}, len(c.Auth.Keys))
	secrets := make(map[string]struct{}, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: id and secret are required", i))
			continue
		}
		if _, dup := secrets[k.Secret]; dup {
			errs = append(errs, fmt.Errorf("auth.keys[%d]: duplicate secret", i))
		}
		secrets[k.Secret] = struct{}{}
		ids[k.ID] = struct{}{}
	}

	for id, op := range c.Limits.OverridePolicies() {
		if _, ok := ids[id]; !ok {
			errs = append(errs, fmt.Errorf("limits.overrides.%s: unknown key id", id))
		}
		if _, err := ratelimit.New(op.Limit, op.Period); err != nil {
			errs = append(errs, fmt.Errorf("limits.overrides.%s: %w", id, err))
		}
	}

	for _, raw := range c.Server.TrustedProxies {
		if _, err := parsePrefix(raw); err != nil {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: invalid address %q", raw))
		}
	}

	if c.Limits.MaxWaitMS < 0 {
		errs = append(errs, errors.New("limits.max_wait_ms: must not be negative"))
	}

	if c.Server.Upstream == "" {
		errs = append(errs, errors.New("server.upstream: required"))
	} else if u, err := url.Parse(c.Server.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.upstream: invalid url %q", c.Server.Upstream))
	}

	return errors.Join(errs...)
}
