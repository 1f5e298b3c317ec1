// Package env reads typed settings from the process environment.
package env

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reader looks settings up by key. Unset keys take the default. A value that
// is set but malformed also takes the default and is remembered, so Err can
// reject the whole configuration instead of running on a silent fallback.
type Reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

// New reads from the process environment.
func New() *Reader {
	return &Reader{lookup: os.LookupEnv}
}

// FromMap reads from vars only.
func FromMap(vars map[string]string) *Reader {
	return &Reader{lookup: func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}}
}

func (r *Reader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *Reader) invalid(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

// String returns the value of key, or def.
func (r *Reader) String(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

// Secret prefers the file named by key_FILE (Docker secrets) over key.
func (r *Reader) Secret(key, def string) string {
	if path, ok := r.get(key + "_FILE"); ok {
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			r.invalid(key+"_FILE", path, err)
			return def
		}
		return string(bytes.TrimSpace(content))
	}
	return r.String(key, def)
}

func (r *Reader) Int(key string, def int) int {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.invalid(key, v, errors.New("not an integer"))
		return def
	}
	return n
}

func (r *Reader) Bool(key string, def bool) bool {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.invalid(key, v, errors.New("not a boolean"))
		return def
	}
	return b
}

// Duration parses Go duration syntax such as "15s" or "1m30s".
func (r *Reader) Duration(key string, def time.Duration) time.Duration {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.invalid(key, v, errors.New("not a duration"))
		return def
	}
	return d
}

// List splits a comma-separated value, dropping empty entries.
func (r *Reader) List(key string, def []string) []string {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// Err reports every malformed value read so far.
func (r *Reader) Err() error {
	return errors.Join(r.errs...)
}
