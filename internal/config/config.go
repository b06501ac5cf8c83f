package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StoreSQLite   StoreKind = "sqlite"
	StorePostgres StoreKind = "postgres"
)

const (
	DefaultDebounce      = 2500 * time.Millisecond
	DefaultPowDifficulty = 12
	DefaultViewTTL       = 5 * time.Minute
	DefaultSQLitePath    = "applause.db"
)

type Config struct {
	apiURL             string
	sentryDSN          string
	store              StoreKind
	sqlitePath         string
	dbConnectionString string
	debounce           time.Duration
	powDifficulty      int
	viewTTL            time.Duration
	env                environment
}

func (c *Config) APIURL() string {
	return c.apiURL
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) Store() StoreKind {
	return c.store
}

func (c *Config) SQLitePath() string {
	return c.sqlitePath
}

func (c *Config) DBConnectionString() string {
	return c.dbConnectionString
}

func (c *Config) Debounce() time.Duration {
	return c.debounce
}

func (c *Config) PowDifficulty() int {
	return c.powDifficulty
}

func (c *Config) ViewTTL() time.Duration {
	return c.viewTTL
}

func (c *Config) Environment() string {
	return string(c.env)
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, apiURL: %s, store: %s, debounce: %s, powDifficulty: %d, viewTTL: %s, ...}",
		string(c.env), c.apiURL, string(c.store), c.debounce, c.powDifficulty, c.viewTTL,
	)
}

// Keys accepted in the file named by APPLAUSE_CONFIG_FILE, and the variable each one stands in for
var fileKeys = map[string]string{
	"environment":          "APPLAUSE_ENVIRONMENT",
	"api_url":              "APPLAUSE_API_URL",
	"sentry_dsn":           "SENTRY_DSN",
	"store":                "APPLAUSE_STORE",
	"sqlite_path":          "APPLAUSE_SQLITE_PATH",
	"db_connection_string": "DB_CONNECTION_STRING",
	"debounce":             "APPLAUSE_DEBOUNCE",
	"pow_difficulty":       "APPLAUSE_POW_DIFFICULTY",
	"view_ttl":             "APPLAUSE_VIEW_TTL",
}

func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %w", ErrInvalidValue, path, err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		variable, ok := fileKeys[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown key in config file: %s", ErrInvalidValue, key)
		}
		if value == nil {
			continue
		}
		values[variable] = fmt.Sprint(value)
	}
	return values, nil
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}
	invalidValue := func(key, value string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, value)
	}

	fileValues := map[string]string{}
	if path := os.Getenv("APPLAUSE_CONFIG_FILE"); path != "" {
		var err error
		fileValues, err = readConfigFile(path)
		if err != nil {
			return Config{}, err
		}
	}

	// Environment variables take precedence over the config file
	lookup := func(key string) (string, bool) {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
		value, ok := fileValues[key]
		return value, ok
	}
	get := func(key string) string {
		value, _ := lookup(key)
		return value
	}

	var env environment
	rawEnv, ok := lookup("APPLAUSE_ENVIRONMENT")
	if !ok {
		return missingKey("APPLAUSE_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return invalidValue("APPLAUSE_ENVIRONMENT", rawEnv)
	}
	if string(env) == "" {
		panic("logic error: env is empty")
	}

	apiURL := get("APPLAUSE_API_URL")
	sentryDSN := get("SENTRY_DSN")
	dbConnectionString := get("DB_CONNECTION_STRING")

	store := StoreMemory
	if rawStore := get("APPLAUSE_STORE"); rawStore != "" {
		switch StoreKind(rawStore) {
		case StoreMemory, StoreSQLite, StorePostgres:
			store = StoreKind(rawStore)
		default:
			return invalidValue("APPLAUSE_STORE", rawStore)
		}
	}

	sqlitePath := get("APPLAUSE_SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = DefaultSQLitePath
	}

	debounce := DefaultDebounce
	if rawDebounce := get("APPLAUSE_DEBOUNCE"); rawDebounce != "" {
		parsed, err := time.ParseDuration(rawDebounce)
		if err != nil || parsed <= 0 {
			return invalidValue("APPLAUSE_DEBOUNCE", rawDebounce)
		}
		debounce = parsed
	}

	viewTTL := DefaultViewTTL
	if rawViewTTL := get("APPLAUSE_VIEW_TTL"); rawViewTTL != "" {
		parsed, err := time.ParseDuration(rawViewTTL)
		if err != nil || parsed <= 0 {
			return invalidValue("APPLAUSE_VIEW_TTL", rawViewTTL)
		}
		viewTTL = parsed
	}

	powDifficulty := DefaultPowDifficulty
	if rawDifficulty := get("APPLAUSE_POW_DIFFICULTY"); rawDifficulty != "" {
		parsed, err := strconv.Atoi(rawDifficulty)
		if err != nil || parsed < 0 || parsed > 64 {
			return invalidValue("APPLAUSE_POW_DIFFICULTY", rawDifficulty)
		}
		powDifficulty = parsed
	}

	if env == production || env == staging {
		if apiURL == "" {
			return missingKey("APPLAUSE_API_URL")
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	if store == StorePostgres && dbConnectionString == "" {
		return missingKey("DB_CONNECTION_STRING")
	}

	return Config{
		apiURL:             apiURL,
		sentryDSN:          sentryDSN,
		store:              store,
		sqlitePath:         sqlitePath,
		dbConnectionString: dbConnectionString,
		debounce:           debounce,
		powDifficulty:      powDifficulty,
		viewTTL:            viewTTL,
		env:                env,
	}, nil
}
