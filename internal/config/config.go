package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         string `json:"port"`
	DSLDir       string `json:"dslDir"`
	APIConfigDir string `json:"apiConfigDir"`
	DBURL        string `json:"dbUrl"`
	AutoMigrate  bool   `json:"autoMigrate"`

	// версия API и тип запроса по умолчанию для сборки подресурсов
	APIVersion  string `json:"apiVersion"`
	RequestType string `json:"requestType"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`

	TitleLookupTimeout Duration `json:"titleLookupTimeout"`
}

// Duration читается из JSON строкой ("5s", "250ms")
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func def() Config {
	return Config{
		Port:         "8080",
		DSLDir:       "dsl",
		APIConfigDir: "api",
		DBURL:        "",
		AutoMigrate:  false,

		APIVersion:  "latest",
		RequestType: "rest",

		LogLevel:  "info",
		LogFormat: "text",

		TitleLookupTimeout: Duration(5 * time.Second),
	}
}

func loadJSON(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func parseBool(v string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		if b, ok := parseBool(v); ok {
			return b
		}
	}
	return fallback
}

func getenvDuration(k string, fallback Duration) (Duration, error) {
	v, ok := os.LookupEnv(k)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", k, err)
	}
	return Duration(d), nil
}

// Load: умолчания -> JSON (-config, по умолчанию config.json) -> ENV APISURFACE_* -> флаги.
// Отсутствующий файл конфигурации не ошибка.
func Load(args []string) (Config, error) {
	return load(args, io.Discard)
}

func load(args []string, output io.Writer) (Config, error) {
	fs := flag.NewFlagSet("apisurface", flag.ContinueOnError)
	fs.SetOutput(output)

	cfg := def()
	configPath := fs.String("config", "config.json", "Path to config JSON")
	port := fs.String("port", "", "HTTP port")
	dslDir := fs.String("dsl", "", "Path to DSL directory")
	apiDir := fs.String("api-config", "", "Path to API config directory")
	db := fs.String("db", "", "Postgres URL (empty = in-memory)")
	auto := fs.String("auto-migrate", "", "Auto-migrate add-only (true/false)")
	version := fs.String("api-version", "", "API version (semver or latest)")
	rt := fs.String("request-type", "", "Request type")
	level := fs.String("log-level", "", "Log level (debug|info|warn|error)")
	format := fs.String("log-format", "", "Log format (text|json)")
	timeout := fs.Duration("title-timeout", 0, "Title lookup timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	// JSON (если файл существует)
	if st, err := os.Stat(*configPath); err == nil && !st.IsDir() {
		if err := loadJSON(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	// ENV overrides
	cfg.Port = getenv("APISURFACE_PORT", cfg.Port)
	cfg.DSLDir = getenv("APISURFACE_DSL_DIR", cfg.DSLDir)
	cfg.APIConfigDir = getenv("APISURFACE_API_CONFIG_DIR", cfg.APIConfigDir)
	cfg.DBURL = getenv("APISURFACE_DB_URL", cfg.DBURL)
	cfg.AutoMigrate = getenvBool("APISURFACE_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.APIVersion = getenv("APISURFACE_API_VERSION", cfg.APIVersion)
	cfg.RequestType = getenv("APISURFACE_REQUEST_TYPE", cfg.RequestType)
	cfg.LogLevel = getenv("APISURFACE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("APISURFACE_LOG_FORMAT", cfg.LogFormat)
	d, err := getenvDuration("APISURFACE_TITLE_LOOKUP_TIMEOUT", cfg.TitleLookupTimeout)
	if err != nil {
		return cfg, err
	}
	cfg.TitleLookupTimeout = d

	// Flags overrides — только явно заданные
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = strings.TrimSpace(*port)
		case "dsl":
			cfg.DSLDir = strings.TrimSpace(*dslDir)
		case "api-config":
			cfg.APIConfigDir = strings.TrimSpace(*apiDir)
		case "db":
			cfg.DBURL = strings.TrimSpace(*db)
		case "auto-migrate":
			b, ok := parseBool(*auto)
			if !ok {
				flagErr = fmt.Errorf("auto-migrate: invalid bool %q", *auto)
			}
			cfg.AutoMigrate = b
		case "api-version":
			cfg.APIVersion = strings.TrimSpace(*version)
		case "request-type":
			cfg.RequestType = strings.TrimSpace(*rt)
		case "log-level":
			cfg.LogLevel = strings.TrimSpace(*level)
		case "log-format":
			cfg.LogFormat = strings.TrimSpace(*format)
		case "title-timeout":
			cfg.TitleLookupTimeout = Duration(*timeout)
		}
	})
	if flagErr != nil {
		return cfg, flagErr
	}
	return cfg, nil
}

// Addr — адрес для http.Server
func (c Config) Addr() string {
	if _, err := strconv.Atoi(c.Port); err == nil {
		return ":" + c.Port
	}
	return c.Port
}
