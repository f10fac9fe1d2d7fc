// Package config 负责把默认值、配置文件、环境变量与 CLI 参数合并为最终配置。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/John-Robertt/boxdharvest/internal/backend"
	"github.com/John-Robertt/boxdharvest/internal/pool"
)

const (
	// ErrCodeNotFound 表示 --config 显式指定的文件不存在。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
)

const (
	// DefaultFileName 是 cwd 下自动发现的配置文件名（可选）。
	DefaultFileName = "boxdharvest.yaml"
	// EnvPrefix 是环境变量前缀；BOXD_SCRAPE__WORKERS -> scrape.workers。
	EnvPrefix = "BOXD_"
	// DefaultServerAddr 是 serve 子命令的默认监听地址。
	DefaultServerAddr = "127.0.0.1:5005"
)

// 数值范围（超出截断）。
const (
	MinWorkers    = 1
	MaxWorkers    = 32
	MaxMaxRetries = 10
)

// Config 是配置文件/环境变量的结构（koanf tag 即 YAML 键）。
type Config struct {
	OutDir  string `koanf:"out_dir"`
	BaseURL string `koanf:"base_url"`

	Scrape  ScrapeConfig  `koanf:"scrape"`
	Listing ListingConfig `koanf:"listing"`
	HTTP    HTTPConfig    `koanf:"http"`
	Browser BrowserConfig `koanf:"browser"`
	Breaker BreakerConfig `koanf:"breaker"`
	Cache   CacheConfig   `koanf:"cache"`
	Log     LogConfig     `koanf:"log"`
	Server  ServerConfig  `koanf:"server"`
}

type ScrapeConfig struct {
	Mode         string        `koanf:"mode"`
	Workers      int           `koanf:"workers"`
	Backend      string        `koanf:"backend"`
	MaxRetries   int           `koanf:"max_retries"`
	MaxFilms     int           `koanf:"max_films"`
	RetryFailed  bool          `koanf:"retry_failed"`
	Rescrape     bool          `koanf:"rescrape"`
	Timeout      time.Duration `koanf:"timeout"`
	Delay        time.Duration `koanf:"delay"`
	Jitter       time.Duration `koanf:"jitter"`
	RefreshEvery int           `koanf:"refresh_every"`
}

type ListingConfig struct {
	Workers  int `koanf:"workers"`
	MaxPages int `koanf:"max_pages"`
}

type HTTPConfig struct {
	ProxyURL      string        `koanf:"proxy_url"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Burst         int           `koanf:"burst"`
}

type BrowserConfig struct {
	PoolSize       int    `koanf:"pool_size"`
	Bin            string `koanf:"bin"`
	NoSandbox      bool   `koanf:"no_sandbox"`
	Headful        bool   `koanf:"headful"`
	PlaywrightPath string `koanf:"playwright_path"`
	InstallDriver  bool   `koanf:"install_driver"`
}

type BreakerConfig struct {
	Failures int           `koanf:"failures"`
	Cooldown time.Duration `koanf:"cooldown"`
}

type CacheConfig struct {
	Enabled bool `koanf:"enabled"`
}

// ServerConfig 只被 serve 子命令使用。
type ServerConfig struct {
	Addr string `koanf:"addr"`
	// ScrapesPerMinute 是每个客户端 IP 每分钟可发起的 /api/scrape 次数（0 不限制）。
	ScrapesPerMinute int      `koanf:"scrapes_per_minute"`
	CORSOrigins      []string `koanf:"cors_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Defaults 返回内置默认值（合并的第一层）。
func Defaults() Config {
	return Config{
		OutDir:  ".",
		BaseURL: "https://letterboxd.com",
		Scrape: ScrapeConfig{
			Mode:         string(pool.ModeParallel),
			Workers:      4,
			Backend:      string(backend.KindPooled),
			MaxRetries:   2,
			Timeout:      45 * time.Second,
			Delay:        2 * time.Second,
			Jitter:       2 * time.Second,
			RefreshEvery: 100,
		},
		Listing: ListingConfig{Workers: 10},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			RatePerSecond: 2,
			Burst:         4,
		},
		Browser: BrowserConfig{PoolSize: 4},
		Breaker: BreakerConfig{Failures: 5, Cooldown: time.Minute},
		Log:     LogConfig{Level: "warn", Format: "console"},
		Server: ServerConfig{
			Addr:             DefaultServerAddr,
			ScrapesPerMinute: 6,
			CORSOrigins:      []string{"*"},
		},
	}
}

// CLIArgs 是 CLI 暴露的覆盖项，并保留“是否显式指定”的信息。
// 这能保证覆盖优先级可实现：例如 --rescrape=false 必须能覆盖配置文件中的 true。
type CLIArgs struct {
	ConfigPath string

	OutDir    string
	OutDirSet bool

	Mode    string
	ModeSet bool

	Workers    int
	WorkersSet bool

	Backend    string
	BackendSet bool

	MaxPages    int
	MaxPagesSet bool

	MaxFilms    int
	MaxFilmsSet bool

	RetryFailed    bool
	RetryFailedSet bool

	Rescrape    bool
	RescrapeSet bool

	NoCache    bool
	NoCacheSet bool

	LogLevel    string
	LogLevelSet bool

	Addr    string
	AddrSet bool
}

// EffectiveConfig 是合并、校验并规范化后的最终配置（实现层直接消费）。
type EffectiveConfig struct {
	Config

	// ConfigFile 是实际加载的配置文件（没有则为空）。
	ConfigFile string
	Mode       pool.Mode
	Order      []backend.Kind
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			if e.Path == "" {
				return fmt.Sprintf("%s：%v", e.Code, e.Err)
			}
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 按固定优先级合并配置：CLI > 环境变量 > 配置文件 > 默认值。
//
// 配置文件发现规则：
// 1) --config 指定：必须存在
// 2) 未指定：尝试 <cwd>/boxdharvest.yaml（可选）
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	k := koanf.New(".")
	defaults := Defaults()
	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Err: fmt.Errorf("加载默认值失败：%w", err)}
	}

	cfgPath, err := findConfigFile(cwdAbs, cli.ConfigPath)
	if err != nil {
		return EffectiveConfig{}, err
	}
	if cfgPath != "" {
		if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("加载环境变量失败：%w", err)}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	applyCLI(&c, cli)

	eff, err := normalize(cwdAbs, c)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	eff.ConfigFile = cfgPath
	return eff, nil
}

func findConfigFile(cwdAbs, explicit string) (string, error) {
	if p := strings.TrimSpace(explicit); p != "" {
		p = absCleanFrom(cwdAbs, p)
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return "", &Error{Code: ErrCodeNotFound, Path: p, Err: os.ErrNotExist}
			}
			return "", &Error{Code: ErrCodeInvalid, Path: p, Err: err}
		}
		return p, nil
	}
	p := filepath.Join(cwdAbs, DefaultFileName)
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return "", nil
}

// envTransformFunc：BOXD_SCRAPE__MAX_RETRIES -> scrape.max_retries。
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func applyCLI(c *Config, cli CLIArgs) {
	if cli.OutDirSet {
		c.OutDir = cli.OutDir
	}
	if cli.ModeSet {
		c.Scrape.Mode = cli.Mode
	}
	if cli.WorkersSet {
		c.Scrape.Workers = cli.Workers
	}
	if cli.BackendSet {
		c.Scrape.Backend = cli.Backend
	}
	if cli.MaxPagesSet {
		c.Listing.MaxPages = cli.MaxPages
	}
	if cli.MaxFilmsSet {
		c.Scrape.MaxFilms = cli.MaxFilms
	}
	if cli.RetryFailedSet {
		c.Scrape.RetryFailed = cli.RetryFailed
	}
	if cli.RescrapeSet {
		c.Scrape.Rescrape = cli.Rescrape
	}
	if cli.NoCacheSet {
		c.Cache.Enabled = !cli.NoCache
	}
	if cli.LogLevelSet {
		c.Log.Level = cli.LogLevel
	}
	if cli.AddrSet {
		c.Server.Addr = cli.Addr
	}
}

func normalize(cwdAbs string, c Config) (EffectiveConfig, error) {
	mode, err := pool.ParseMode(c.Scrape.Mode)
	if err != nil {
		return EffectiveConfig{}, err
	}
	first, err := backend.ParseKind(c.Scrape.Backend)
	if err != nil {
		return EffectiveConfig{}, err
	}

	c.Scrape.Workers = clamp(c.Scrape.Workers, MinWorkers, MaxWorkers)
	c.Listing.Workers = clamp(c.Listing.Workers, MinWorkers, MaxWorkers)
	c.Scrape.MaxRetries = clamp(c.Scrape.MaxRetries, 0, MaxMaxRetries)
	if c.Browser.PoolSize < 1 {
		c.Browser.PoolSize = 1
	}
	if c.Listing.MaxPages < 0 {
		return EffectiveConfig{}, fmt.Errorf("listing.max_pages 不能为负数：%d", c.Listing.MaxPages)
	}
	if c.Scrape.MaxFilms < 0 {
		return EffectiveConfig{}, fmt.Errorf("scrape.max_films 不能为负数：%d", c.Scrape.MaxFilms)
	}
	if c.Scrape.Delay < 0 || c.Scrape.Jitter < 0 {
		return EffectiveConfig{}, fmt.Errorf("scrape.delay/jitter 不能为负数")
	}

	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if err := validateHTTPURL("base_url", c.BaseURL); err != nil {
		return EffectiveConfig{}, err
	}
	c.HTTP.ProxyURL = strings.TrimSpace(c.HTTP.ProxyURL)
	if c.HTTP.ProxyURL != "" {
		u, err := url.Parse(c.HTTP.ProxyURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return EffectiveConfig{}, fmt.Errorf("http.proxy_url 无效：%q", c.HTTP.ProxyURL)
		}
	}

	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		return EffectiveConfig{}, fmt.Errorf("server.addr 不能为空")
	}
	if c.Server.ScrapesPerMinute < 0 {
		return EffectiveConfig{}, fmt.Errorf("server.scrapes_per_minute 不能为负数：%d", c.Server.ScrapesPerMinute)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "console":
		c.Log.Format = "console"
	case "json":
		c.Log.Format = "json"
	default:
		return EffectiveConfig{}, fmt.Errorf("log.format 只能是 console 或 json，实际是 %q", c.Log.Format)
	}

	if strings.TrimSpace(c.OutDir) == "" {
		c.OutDir = "."
	}
	c.OutDir = absCleanFrom(cwdAbs, c.OutDir)

	return EffectiveConfig{
		Config: c,
		Mode:   mode,
		Order:  backend.OrderFrom(first),
	}, nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s 无效：%q", name, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s 必须是 http/https：%q", name, raw)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}
