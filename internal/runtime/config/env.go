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
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "NATSFLOW_"

// FromEnv builds a Config from NATSFLOW_* variables. Dotenv files are read
// first; missing files are skipped and process variables win over file values.
// The result has not been defaulted or validated.
func FromEnv(files ...string) (Config, error) {
	vars := map[string]string{}
	for _, file := range files {
		values, err := godotenv.Read(file)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range values {
			vars[k] = v
		}
	}
	return fromLookup(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	})
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := envReader{lookup: lookup}
	cfg := Config{
		Servers:               r.list("SERVERS"),
		User:                  r.str("USER"),
		Password:              r.str("PASSWORD"),
		Token:                 r.str("TOKEN"),
		ClientName:            r.str("CLIENT_NAME"),
		StreamName:            r.str("STREAM_NAME"),
		DurableName:           r.str("DURABLE_NAME"),
		RequestTimeout:        r.millis("REQUEST_TIMEOUT_MS"),
		MaxDeliver:            r.int("MAX_DELIVER"),
		AckWait:               r.duration("ACK_WAIT"),
		NakDelay:              r.duration("NAK_DELAY"),
		Retention:             strings.ToLower(r.str("RETENTION")),
		Storage:               strings.ToLower(r.str("STORAGE")),
		Replicas:              r.int("REPLICAS"),
		StreamMaxAge:          r.duration("STREAM_MAX_AGE"),
		DuplicateWindow:       r.duration("DUPLICATE_WINDOW"),
		ConnectTimeout:        r.duration("CONNECT_TIMEOUT"),
		ReconnectWait:         r.duration("RECONNECT_WAIT"),
		MaxReconnects:         r.int("MAX_RECONNECTS"),
		InboxPrefix:           r.str("INBOX_PREFIX"),
		MaxConcurrentHandlers: r.int("MAX_CONCURRENT_HANDLERS"),
		ShutdownTimeout:       r.duration("SHUTDOWN_TIMEOUT"),
		MetricsEnabled:        r.bool("METRICS_ENABLED"),
		MetricsPort:           r.int("METRICS_PORT"),
	}
	return cfg, errors.Join(r.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) str(name string) string {
	v, _ := r.lookup(EnvPrefix + name)
	return strings.TrimSpace(v)
}

func (r *envReader) list(name string) []string {
	raw := r.str(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *envReader) int(name string) int {
	raw := r.str(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
	}
	return n
}

func (r *envReader) bool(name string) bool {
	raw := r.str(name)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
	}
	return b
}

func (r *envReader) duration(name string) time.Duration {
	raw := r.str(name)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
	}
	return d
}

// millis reads a plain integer millisecond count, the unit request timeouts
// are configured in.
func (r *envReader) millis(name string) time.Duration {
	return time.Duration(r.int(name)) * time.Millisecond
}
