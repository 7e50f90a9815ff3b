package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Browser modes
const (
	BrowserLocal  = "local"
	BrowserDocker = "docker"
)

// Selectors describe the portal's DOM. A Text value narrows a CSS match to
// elements whose text matches the regular expression.
type Selectors struct {
	Identifier     string `toml:"identifier"`
	Challenge      string `toml:"challenge"`
	ChallengeImage string `toml:"challenge_image"`
	RequestCode    string `toml:"request_code"`
	RequestText    string `toml:"request_code_text"`
	Code           string `toml:"code"`
	Verify         string `toml:"verify"`
	VerifyText     string `toml:"verify_text"`
}

// Portal holds the target site and its timing parameters.
type Portal struct {
	EntryURL         string        `toml:"entry_url"`
	OpenTimeout      time.Duration `toml:"-"`
	ChallengeTimeout time.Duration `toml:"-"`
	CodeTimeout      time.Duration `toml:"-"`
	Selectors        Selectors     `toml:"selectors"`
}

// Download controls artifact detection in a session directory.
type Download struct {
	Root          string        `toml:"root"`
	Prefix        string        `toml:"prefix"`
	Extension     string        `toml:"extension"`
	PartialSuffix string        `toml:"partial_suffix"`
	PollInterval  time.Duration `toml:"-"`
	Timeout       time.Duration `toml:"-"`
}

// Browser selects how browsers are started.
type Browser struct {
	Mode     string `toml:"mode"`
	Bin      string `toml:"bin"`
	Headless bool   `toml:"headless"`
	Image    string `toml:"image"`
}

// Config is the full server configuration.
type Config struct {
	Addr            string        `toml:"addr"`
	MaxSessions     int64         `toml:"max_sessions"`
	RequestsPerHour int           `toml:"requests_per_hour"`
	RequestBurst    int           `toml:"request_burst"`
	RedisAddr       string        `toml:"redis_addr"`
	StatusTTL       time.Duration `toml:"-"`
	Portal          Portal        `toml:"portal"`
	Download        Download      `toml:"download"`
	Browser         Browser       `toml:"browser"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr:            ":7001",
		MaxSessions:     10,
		RequestsPerHour: 600,
		RequestBurst:    20,
		StatusTTL:       24 * time.Hour,
		Portal: Portal{
			EntryURL:         "https://myaadhaar.uidai.gov.in/genricDownloadAadhaar/en",
			OpenTimeout:      30 * time.Second,
			ChallengeTimeout: 10 * time.Second,
			CodeTimeout:      30 * time.Second,
			Selectors: Selectors{
				Identifier:     `[name="uid"]`,
				Challenge:      `[name="captcha"]`,
				ChallengeImage: ".pvc-form__captcha-box img",
				RequestCode:    "button",
				RequestText:    "Send OTP",
				Code:           `[name="otp"]`,
				Verify:         "button",
				VerifyText:     "Verify.*Download",
			},
		},
		Download: Download{
			Root:          "./downloads",
			Prefix:        "EAadhaar_",
			Extension:     ".pdf",
			PartialSuffix: ".crdownload",
			PollInterval:  time.Second,
			Timeout:       60 * time.Second,
		},
		Browser: Browser{
			Mode:     BrowserLocal,
			Headless: true,
			Image:    "browserless/chrome:latest",
		},
	}
}

// Load builds a Config from defaults, an optional TOML file, an optional
// .env file and finally the process environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		var timings fileTimings
		if err := toml.Unmarshal(data, &timings); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := timings.apply(&cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("DOCFETCH_ADDR", &c.Addr)
	str("DOCFETCH_REDIS_ADDR", &c.RedisAddr)
	str("DOCFETCH_PORTAL_URL", &c.Portal.EntryURL)
	str("DOCFETCH_DOWNLOADS", &c.Download.Root)
	str("DOCFETCH_BROWSER_MODE", &c.Browser.Mode)
	str("DOCFETCH_BROWSER_BIN", &c.Browser.Bin)
	str("DOCFETCH_BROWSER_IMAGE", &c.Browser.Image)

	if v, ok := os.LookupEnv("DOCFETCH_HEADLESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DOCFETCH_HEADLESS: %w", err)
		}
		c.Browser.Headless = b
	}

	if v, ok := os.LookupEnv("DOCFETCH_MAX_SESSIONS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DOCFETCH_MAX_SESSIONS: %w", err)
		}
		c.MaxSessions = n
	}

	for _, step := range []error{
		integer("DOCFETCH_REQUESTS_PER_HOUR", &c.RequestsPerHour),
		integer("DOCFETCH_REQUEST_BURST", &c.RequestBurst),
		dur("DOCFETCH_STATUS_TTL", &c.StatusTTL),
		dur("DOCFETCH_OPEN_TIMEOUT", &c.Portal.OpenTimeout),
		dur("DOCFETCH_CHALLENGE_TIMEOUT", &c.Portal.ChallengeTimeout),
		dur("DOCFETCH_CODE_TIMEOUT", &c.Portal.CodeTimeout),
		dur("DOCFETCH_POLL_INTERVAL", &c.Download.PollInterval),
		dur("DOCFETCH_DOWNLOAD_TIMEOUT", &c.Download.Timeout),
	} {
		if step != nil {
			return step
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Browser.Mode) {
	case BrowserLocal, BrowserDocker:
		c.Browser.Mode = strings.ToLower(c.Browser.Mode)
	default:
		return fmt.Errorf("browser mode must be %q or %q, got %q", BrowserLocal, BrowserDocker, c.Browser.Mode)
	}
	if c.Download.Root == "" {
		return errors.New("download root is required")
	}
	if c.Portal.EntryURL == "" {
		return errors.New("portal entry url is required")
	}
	if c.Download.Prefix == "" || c.Download.Extension == "" {
		return errors.New("artifact prefix and extension are required")
	}
	for name, d := range map[string]time.Duration{
		"open_timeout":      c.Portal.OpenTimeout,
		"challenge_timeout": c.Portal.ChallengeTimeout,
		"code_timeout":      c.Portal.CodeTimeout,
		"poll_interval":     c.Download.PollInterval,
		"download_timeout":  c.Download.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Download.PollInterval > c.Download.Timeout {
		return errors.New("poll_interval must not exceed the download timeout")
	}
	if c.MaxSessions <= 0 {
		return errors.New("max_sessions must be positive")
	}
	if c.RequestsPerHour <= 0 || c.RequestBurst <= 0 {
		return errors.New("rate limit values must be positive")
	}
	return nil
}

// fileTimings mirrors the duration settings of a config file, written as
// Go duration strings ("30s", "1m").
type fileTimings struct {
	StatusTTL string `toml:"status_ttl"`
	Portal    struct {
		OpenTimeout      string `toml:"open_timeout"`
		ChallengeTimeout string `toml:"challenge_timeout"`
		CodeTimeout      string `toml:"code_timeout"`
	} `toml:"portal"`
	Download struct {
		PollInterval string `toml:"poll_interval"`
		Timeout      string `toml:"timeout"`
	} `toml:"download"`
}

func (f fileTimings) apply(c *Config) error {
	for _, field := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"status_ttl", f.StatusTTL, &c.StatusTTL},
		{"portal.open_timeout", f.Portal.OpenTimeout, &c.Portal.OpenTimeout},
		{"portal.challenge_timeout", f.Portal.ChallengeTimeout, &c.Portal.ChallengeTimeout},
		{"portal.code_timeout", f.Portal.CodeTimeout, &c.Portal.CodeTimeout},
		{"download.poll_interval", f.Download.PollInterval, &c.Download.PollInterval},
		{"download.timeout", f.Download.Timeout, &c.Download.Timeout},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = d
	}
	return nil
}
