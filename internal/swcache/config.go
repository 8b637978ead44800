package swcache

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// PublicURL is the scheme and host browsers use to reach the site.
		// Intercepted requests are addressed against it, so API patterns see
		// the public URL rather than the origin's.
		PublicURL     string `yaml:"publicURL"`
		ControlPrefix string `yaml:"controlPrefix"`
		FetchTimeout  string `yaml:"fetchTimeout"`
	} `yaml:"server"`

	Storage struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		RAM    struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Cache struct {
		Prefix           string   `yaml:"prefix"`
		Version          string   `yaml:"version"`
		OfflinePage      string   `yaml:"offlinePage"`
		StaticFiles      []string `yaml:"staticFiles"`
		APIPatterns      []string `yaml:"apiPatterns"`
		StaticExtensions []string `yaml:"staticExtensions"`
	} `yaml:"cache"`

	Precache struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`
	} `yaml:"precache"`

	Notifications struct {
		Title    string   `yaml:"title"`
		Icon     string   `yaml:"icon"`
		Badge    string   `yaml:"badge"`
		Vibrate  []int    `yaml:"vibrate"`
		ClickURL string   `yaml:"clickURL"`
		URLs     []string `yaml:"urls"`
	} `yaml:"notifications"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	// compiled
	worker             WorkerConfig
	fetchTimeout       time.Duration
	ramMax             int64
	diskMax            int64
	initialDelayDur    time.Duration
	rediscoverEveryDur time.Duration
	logStatsEveryDur   time.Duration
}

// CacheNames are the versioned names of the caches the worker owns.
type CacheNames struct {
	General string
	Static  string
	Dynamic string
}

// NotificationTemplate is the fixed template push messages are rendered into.
type NotificationTemplate struct {
	Title    string
	Icon     string
	Badge    string
	Vibrate  []int
	ClickURL string
}

// WorkerConfig is everything the engine needs. It is passed to NewWorker
// explicitly; nothing is read from package state.
type WorkerConfig struct {
	// Scope is the absolute base URL relative paths resolve against.
	Scope            string
	Names            CacheNames
	StaticFiles      []string
	OfflinePage      string
	APIPatterns      []*regexp.Regexp
	StaticExtensions []string
	Notification     NotificationTemplate
}

var defaultStaticFiles = []string{
	"/",
	"/static/js/bundle.js",
	"/static/css/main.css",
	"/manifest.json",
	"/codingbulllogo.png",
	"/favicon.ico",
	"/offline.html",
}

var defaultAPIPatterns = []string{
	`^https://codingbullz\.com/api/v1/blog-posts`,
	`^https://codingbullz\.com/api/v1/services`,
	`^https://codingbullz\.com/api/v1/projects`,
	`^https://codingbullz\.com/api/v1/testimonials`,
}

var defaultStaticExtensions = []string{
	"js", "css", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "ttf", "eot",
}

const (
	defaultPrefix   = "codingbull"
	defaultVersion  = "v1.0.0"
	defaultScope    = "https://codingbullz.com"
	defaultLogoPath = "/codingbulllogo.png"
)

// NewCacheNames derives the three cache names from a prefix and version.
func NewCacheNames(prefix, version string) CacheNames {
	return CacheNames{
		General: prefix + "-" + version,
		Static:  prefix + "-static-" + version,
		Dynamic: prefix + "-dynamic-" + version,
	}
}

// DefaultWorkerConfig returns the stock CodingBull configuration.
func DefaultWorkerConfig() WorkerConfig {
	wc, err := buildWorkerConfig(defaultScope, defaultPrefix, defaultVersion, "/offline.html",
		defaultStaticFiles, defaultAPIPatterns, defaultStaticExtensions)
	if err != nil {
		panic(err)
	}
	wc.Notification = NotificationTemplate{
		Title:    "CodingBull",
		Icon:     defaultLogoPath,
		Badge:    defaultLogoPath,
		Vibrate:  []int{100, 50, 100},
		ClickURL: defaultScope,
	}
	return wc
}

func buildWorkerConfig(scope, prefix, version, offline string, static, api, exts []string) (WorkerConfig, error) {
	wc := WorkerConfig{
		Scope:       strings.TrimRight(scope, "/"),
		Names:       NewCacheNames(prefix, version),
		StaticFiles: append([]string(nil), static...),
		OfflinePage: offline,
	}
	for i, p := range api {
		re, err := regexp.Compile(p)
		if err != nil {
			return WorkerConfig{}, fmt.Errorf("cache.apiPatterns[%d]: %w", i, err)
		}
		wc.APIPatterns = append(wc.APIPatterns, re)
	}
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			wc.StaticExtensions = append(wc.StaticExtensions, e)
		}
	}
	return wc, nil
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "parse config")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "invalid config")
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if err := requireAbsoluteHTTP(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = cfg.Server.Origin
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if err := requireAbsoluteHTTP(cfg.Server.PublicURL); err != nil {
		return fmt.Errorf("server.publicURL: %w", err)
	}
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__sw"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")

	var err error
	if cfg.fetchTimeout, err = parseDurationDefault(cfg.Server.FetchTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("server.fetchTimeout: %w", err)
	}

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = "leveldb"
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.ramMax, err = parseSize(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.diskMax, err = parseSize(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = defaultPrefix
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = defaultVersion
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}
	if cfg.Cache.StaticFiles == nil {
		cfg.Cache.StaticFiles = defaultStaticFiles
	}
	if cfg.Cache.APIPatterns == nil {
		cfg.Cache.APIPatterns = defaultAPIPatterns
	}
	if cfg.Cache.StaticExtensions == nil {
		cfg.Cache.StaticExtensions = defaultStaticExtensions
	}
	cfg.worker, err = buildWorkerConfig(cfg.Server.PublicURL, cfg.Cache.Prefix, cfg.Cache.Version,
		cfg.Cache.OfflinePage, cfg.Cache.StaticFiles, cfg.Cache.APIPatterns, cfg.Cache.StaticExtensions)
	if err != nil {
		return err
	}

	n := &cfg.Notifications
	if n.Title == "" {
		n.Title = "CodingBull"
	}
	if n.Icon == "" {
		n.Icon = defaultLogoPath
	}
	if n.Badge == "" {
		n.Badge = defaultLogoPath
	}
	if n.Vibrate == nil {
		n.Vibrate = []int{100, 50, 100}
	}
	if n.ClickURL == "" {
		n.ClickURL = cfg.Server.PublicURL
	}
	cfg.worker.Notification = NotificationTemplate{
		Title:    n.Title,
		Icon:     n.Icon,
		Badge:    n.Badge,
		Vibrate:  n.Vibrate,
		ClickURL: n.ClickURL,
	}

	if cfg.initialDelayDur, err = parseDurationDefault(cfg.Precache.InitialDelay, 0); err != nil {
		return fmt.Errorf("precache.initialDelay: %w", err)
	}
	if cfg.rediscoverEveryDur, err = parseDurationDefault(cfg.Precache.RediscoverEvery, 0); err != nil {
		return fmt.Errorf("precache.rediscoverEvery: %w", err)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "":
		cfg.Logging.Level = "info"
	case "debug", "info", "warn", "error":
		cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if cfg.logStatsEveryDur, err = parseDurationDefault(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

// Worker returns the compiled engine configuration.
func (cfg Config) Worker() WorkerConfig { return cfg.worker }

func requireAbsoluteHTTP(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func parseDurationDefault(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// parseSize accepts human sizes such as "64mb" or "1GiB". Empty means no limit.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
