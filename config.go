package odata

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DefaultTimeout is the HTTP timeout used when none is configured.
const DefaultTimeout = 30 * time.Second

// Config is the base configuration shared by every request a client
// creates: where the service lives and which headers to send.
type Config struct {
	// BaseURL is the service root, e.g. https://host/odata. It may be a
	// path such as /odata when Origin supplies the scheme and host.
	BaseURL string `mapstructure:"base_url" validate:"required"`
	// Origin resolves relative entity URIs built by Request.Ref.
	Origin  string        `mapstructure:"origin" validate:"omitempty,url"`
	Header  http.Header   `mapstructure:"-"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration using its struct tags.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("odata: invalid config: %w", err)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	if c.Header != nil {
		out.Header = c.Header.Clone()
	}
	return out
}

// EntityURI returns the absolute URI of entity(id): joined onto BaseURL
// and, when that is still relative, prefixed with Origin.
func (c Config) EntityURI(entity string, id any) string {
	return c.resolve(entity + keySegment(id))
}

// resolve joins path onto BaseURL and prefixes Origin while the result is
// still relative.
func (c Config) resolve(path string) string {
	uri := path
	if !isAbsoluteURL(uri) {
		uri = joinURL(c.BaseURL, uri)
	}
	if isAbsoluteURL(uri) || c.Origin == "" {
		return uri
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return strings.TrimRight(c.Origin, "/") + uri
}

func joinURL(base, path string) string {
	if base == "" {
		return path
	}
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func isAbsoluteURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// LoadConfig reads configuration from the given env-format files (".env"
// when none is named) and from environment variables carrying prefix, e.g.
// ODATA_BASE_URL, ODATA_ORIGIN, ODATA_TIMEOUT and ODATA_HEADERS
// ("Key=Value;Key=Value"). Environment variables win over files. Missing
// files are skipped. The result is validated.
func LoadConfig(prefix string, files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	prefixUpper := strings.ToUpper(prefix)
	prefixLower := strings.ToLower(prefix)

	fileValues := viper.New()
	fileValues.SetConfigType("env")
	for _, f := range files {
		fileValues.SetConfigFile(f)
		if err := fileValues.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
				continue
			}
			return Config{}, fmt.Errorf("odata: read config %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetDefault("timeout", DefaultTimeout)
	for _, key := range fileValues.AllKeys() {
		if strings.HasPrefix(key, prefixLower) {
			v.Set(strings.TrimPrefix(key, prefixLower), fileValues.Get(key))
		}
	}
	for _, envStr := range os.Environ() {
		key, value, ok := strings.Cut(envStr, "=")
		if !ok || !strings.HasPrefix(key, prefixUpper) {
			continue
		}
		// ODATA_BASE_URL -> base_url
		v.Set(strings.ToLower(strings.TrimPrefix(key, prefixUpper)), value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("odata: unmarshal config: %w", err)
	}
	header, err := ParseHeaders(v.GetString("headers"))
	if err != nil {
		return Config{}, err
	}
	cfg.Header = header

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseHeaders parses "Key=Value;Key=Value" into a header set.
func ParseHeaders(s string) (http.Header, error) {
	header := make(http.Header)
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("odata: malformed header %q", pair)
		}
		header.Add(key, strings.TrimSpace(value))
	}
	return header, nil
}
