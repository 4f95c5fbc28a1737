package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/snapetech/mcastguide/internal/epgbin"
	"github.com/snapetech/mcastguide/internal/mcast"
)

// Config holds every setting of mcast-guide.
// Precedence: command-line flags, then MCAST_GUIDE_* environment (a .env file
// is loaded into the environment first), then the TOML file, then defaults.
type Config struct {
	// Discovery
	DVBEntrypoint  string   // platform SD&S entrypoint, host:port
	Demarcation    int      // subscriber's demarcation (DEM_<n> provider domain)
	ProviderTarget string   // service provider push address; "" = look it up via DVBEntrypoint
	Packages       []string // entitled package names
	LogoBase       string   // prefix for channel logo URIs

	// Multicast sessions
	Interface   string        // NIC to join groups on; "" = system default
	ReadBuffer  int           // socket receive buffer bytes; 0 = default
	GraceRounds int           // quiescent datagrams before a session ends
	IdleTimeout time.Duration // 0 = wait forever

	// EPG
	MaxDays      int    // EPG carousels (days) fetched in parallel
	DomainMarker string // substring required in an EPG file's service URL
	Delimiter    string // record separator to scan for; "hex:..." for binary markers; "" = fixed trailer

	// Paths
	CatalogPath string // channel lineup JSON
	StatePath   string // sqlite preferences (EPG entrypoints)

	// Observability
	MetricsAddr string // "" = no /metrics listener
	LogLevel    string
	LogFormat   string // console | json
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		GraceRounds:  mcast.DefaultGraceRounds,
		MaxDays:      1,
		DomainMarker: epgbin.DefaultDomainMarker,
		CatalogPath:  "./channels.json",
		StatePath:    "./mcast-guide.db",
		LogLevel:     "info",
		LogFormat:    "console",
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.MaxDays <= 0 {
		return fmt.Errorf("max days must be positive, got %d", c.MaxDays)
	}
	if c.GraceRounds <= 0 {
		return fmt.Errorf("grace rounds must be positive, got %d", c.GraceRounds)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	if _, err := c.DelimiterBytes(); err != nil {
		return err
	}
	for name, target := range map[string]string{"dvb entrypoint": c.DVBEntrypoint, "provider": c.ProviderTarget} {
		if target == "" {
			continue
		}
		if _, _, err := mcast.SplitTarget(target); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// DelimiterBytes returns the EPG record separator for epgbin.Decoder: nil
// for the fixed trailer stride, the hex-decoded value for "hex:" delimiters,
// the literal bytes otherwise.
func (c *Config) DelimiterBytes() ([]byte, error) {
	if c.Delimiter == "" {
		return nil, nil
	}
	if h, ok := strings.CutPrefix(c.Delimiter, "hex:"); ok {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("delimiter %q: not a hex byte string", c.Delimiter)
		}
		return b, nil
	}
	return []byte(c.Delimiter), nil
}

// ── TOML file ────────────────────────────────────────────────────────────────

// FileConfig is the TOML form of Config; durations are strings.
type FileConfig struct {
	DVBEntrypoint  string   `toml:"dvb_entrypoint"`
	Demarcation    int      `toml:"demarcation"`
	ProviderTarget string   `toml:"provider"`
	Packages       []string `toml:"packages"`
	LogoBase       string   `toml:"logo_base"`
	Interface      string   `toml:"interface"`
	ReadBuffer     int      `toml:"read_buffer"`
	GraceRounds    int      `toml:"grace_rounds"`
	IdleTimeout    string   `toml:"idle_timeout"`
	MaxDays        int      `toml:"max_days"`
	DomainMarker   string   `toml:"domain_marker"`
	Delimiter      string   `toml:"delimiter"`
	CatalogPath    string   `toml:"catalog"`
	StatePath      string   `toml:"state"`
	MetricsAddr    string   `toml:"metrics_addr"`
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"`
}

// LoadFile reads a TOML config file.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("config %s: %w", path, err)
	}
	return fc, nil
}

// DefaultPath returns ~/.mcast-guide/config.toml, or "" without a home dir.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".mcast-guide", "config.toml")
	}
	return ""
}

// ApplyFile copies set file values into c, skipping keys whose flag was
// given on the command line (changed, keyed by flag name).
func (c *Config) ApplyFile(fc FileConfig, changed map[string]bool) error {
	s := setter{changed: changed}
	s.str("dvb-entrypoint", fc.DVBEntrypoint, &c.DVBEntrypoint)
	s.num("demarcation", fc.Demarcation, &c.Demarcation)
	s.str("provider", fc.ProviderTarget, &c.ProviderTarget)
	s.list("packages", fc.Packages, &c.Packages)
	s.str("logo-base", fc.LogoBase, &c.LogoBase)
	s.str("interface", fc.Interface, &c.Interface)
	s.num("read-buffer", fc.ReadBuffer, &c.ReadBuffer)
	s.num("grace-rounds", fc.GraceRounds, &c.GraceRounds)
	if err := s.duration("idle-timeout", fc.IdleTimeout, &c.IdleTimeout); err != nil {
		return err
	}
	s.num("max-days", fc.MaxDays, &c.MaxDays)
	s.str("domain-marker", fc.DomainMarker, &c.DomainMarker)
	s.str("delimiter", fc.Delimiter, &c.Delimiter)
	s.str("catalog", fc.CatalogPath, &c.CatalogPath)
	s.str("state", fc.StatePath, &c.StatePath)
	s.str("metrics-addr", fc.MetricsAddr, &c.MetricsAddr)
	s.str("log-level", fc.LogLevel, &c.LogLevel)
	s.str("log-format", fc.LogFormat, &c.LogFormat)
	return nil
}

// ── environment ──────────────────────────────────────────────────────────────

// ApplyEnv overlays MCAST_GUIDE_* variables onto c, skipping keys whose flag
// was given on the command line. Malformed numbers are reported.
func (c *Config) ApplyEnv(changed map[string]bool) error {
	s := setter{changed: changed}
	s.str("dvb-entrypoint", os.Getenv("MCAST_GUIDE_DVB_ENTRYPOINT"), &c.DVBEntrypoint)
	s.str("provider", os.Getenv("MCAST_GUIDE_PROVIDER"), &c.ProviderTarget)
	s.list("packages", SplitList(os.Getenv("MCAST_GUIDE_PACKAGES")), &c.Packages)
	s.str("logo-base", os.Getenv("MCAST_GUIDE_LOGO_BASE"), &c.LogoBase)
	s.str("interface", os.Getenv("MCAST_GUIDE_INTERFACE"), &c.Interface)
	s.str("domain-marker", os.Getenv("MCAST_GUIDE_EPG_DOMAIN"), &c.DomainMarker)
	s.str("delimiter", os.Getenv("MCAST_GUIDE_EPG_DELIMITER"), &c.Delimiter)
	s.str("catalog", os.Getenv("MCAST_GUIDE_CATALOG"), &c.CatalogPath)
	s.str("state", os.Getenv("MCAST_GUIDE_STATE"), &c.StatePath)
	s.str("metrics-addr", os.Getenv("MCAST_GUIDE_METRICS_ADDR"), &c.MetricsAddr)
	s.str("log-level", os.Getenv("MCAST_GUIDE_LOG_LEVEL"), &c.LogLevel)
	s.str("log-format", os.Getenv("MCAST_GUIDE_LOG_FORMAT"), &c.LogFormat)

	ints := []struct {
		flag, env string
		dst       *int
	}{
		{"demarcation", "MCAST_GUIDE_DEMARCATION", &c.Demarcation},
		{"read-buffer", "MCAST_GUIDE_READ_BUFFER", &c.ReadBuffer},
		{"grace-rounds", "MCAST_GUIDE_GRACE_ROUNDS", &c.GraceRounds},
		{"max-days", "MCAST_GUIDE_MAX_DAYS", &c.MaxDays},
	}
	for _, e := range ints {
		if err := s.numStr(e.flag, os.Getenv(e.env), e.dst); err != nil {
			return fmt.Errorf("%s: %w", e.env, err)
		}
	}
	if err := s.duration("idle-timeout", os.Getenv("MCAST_GUIDE_IDLE_TIMEOUT"), &c.IdleTimeout); err != nil {
		return fmt.Errorf("MCAST_GUIDE_IDLE_TIMEOUT: %w", err)
	}
	return nil
}

// SplitList splits a package list on "|" or ",", dropping blanks.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ── setter ───────────────────────────────────────────────────────────────────

// setter writes a value unless it is unset or its flag was given explicitly.
type setter struct {
	changed map[string]bool
}

func (s setter) str(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) num(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s setter) numStr(flag, value string, dst *int) error {
	value = strings.TrimSpace(value)
	if value == "" || s.changed[flag] {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	s.num(flag, n, dst)
	return nil
}

func (s setter) list(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = append([]string(nil), value...)
}

func (s setter) duration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}
