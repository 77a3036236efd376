// Package config loads towerops settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultQueryLabel   = "launched-by-towerops"
	DefaultPollInterval = 5 * time.Minute
	DefaultPageSize     = 50
	DefaultHTTPTimeout  = 30 * time.Second
)

type Config struct {
	APIEndpoint  string        `validate:"required,url"`
	AuthToken    string        `validate:"required"`
	WorkspaceID  int64         `validate:"gt=0"`
	QueryLabel   string        `validate:"required"`
	PollInterval time.Duration `validate:"gt=0"`
	PageSize     int           `validate:"min=1,max=1000"`
	HTTPTimeout  time.Duration `validate:"gt=0"`

	DataDir        string
	DBPath         string
	UserSpecDir    string
	ProjectSpecDir string
}

// New reads the configuration from the environment. Values that fail to
// parse are errors; missing credentials are only reported by Validate so
// commands that stay offline can still run.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("TOWEROPS_DATA_DIR", filepath.Join(homeDir, ".towerops"))

	c := &Config{
		APIEndpoint:    os.Getenv("TOWER_API_ENDPOINT"),
		AuthToken:      os.Getenv("TOWER_AUTH_TOKEN"),
		QueryLabel:     getEnv("TOWER_QUERY_LABEL", DefaultQueryLabel),
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "towerops.db"),
		UserSpecDir:    filepath.Join(dataDir, "specs"),
		ProjectSpecDir: ".towerops/specs",
	}

	if uri := os.Getenv("TOWER_CONNECTION_URI"); uri != "" {
		if err := c.applyConnectionURI(uri); err != nil {
			return nil, err
		}
	}

	if raw := os.Getenv("TOWER_WORKSPACE_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TOWER_WORKSPACE_ID %q: %w", raw, err)
		}
		c.WorkspaceID = id
	}
	if c.PollInterval, err = getDuration("TOWER_POLL_INTERVAL", DefaultPollInterval); err != nil {
		return nil, err
	}
	if c.HTTPTimeout, err = getDuration("TOWER_HTTP_TIMEOUT", DefaultHTTPTimeout); err != nil {
		return nil, err
	}
	if c.PageSize, err = getInt("TOWER_PAGE_SIZE", DefaultPageSize); err != nil {
		return nil, err
	}

	return c, nil
}

// applyConnectionURI fills endpoint, token and workspace from a connection
// URI of the form tower://:<token>@<host>/<path>?workspace=<id>. Explicit
// TOWER_* variables still take precedence.
func (c *Config) applyConnectionURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid TOWER_CONNECTION_URI: %w", err)
	}
	if u.Host == "" {
		return errors.New("invalid TOWER_CONNECTION_URI: missing host")
	}

	if c.APIEndpoint == "" {
		c.APIEndpoint = strings.TrimRight("https://"+u.Host+u.Path, "/")
	}
	if c.AuthToken == "" && u.User != nil {
		if password, ok := u.User.Password(); ok {
			c.AuthToken = password
		}
	}
	if ws := u.Query().Get("workspace"); ws != "" {
		id, err := strconv.ParseInt(ws, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workspace %q in TOWER_CONNECTION_URI: %w", ws, err)
		}
		c.WorkspaceID = id
	}
	return nil
}

// Validate checks the settings needed to talk to the platform.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s (%s)", envName[fe.Field()], fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
}

var envName = map[string]string{
	"APIEndpoint":  "TOWER_API_ENDPOINT",
	"AuthToken":    "TOWER_AUTH_TOKEN",
	"WorkspaceID":  "TOWER_WORKSPACE_ID",
	"QueryLabel":   "TOWER_QUERY_LABEL",
	"PollInterval": "TOWER_POLL_INTERVAL",
	"PageSize":     "TOWER_PAGE_SIZE",
	"HTTPTimeout":  "TOWER_HTTP_TIMEOUT",
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserSpecDir, 0755); err != nil {
		return err
	}
	return nil
}

// SpecDirs lists the definition directories, project first.
func (c *Config) SpecDirs() []string {
	return []string{c.ProjectSpecDir, c.UserSpecDir}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Bare numbers are seconds.
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		d = time.Duration(secs) * time.Second
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}
