package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cookie is the persisted session token unit. Field names follow the
// browser-extension export format so saved jars round-trip unchanged.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expirationDate,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
}

// ExpiresAt returns the expiry time, or zero for session cookies.
func (c Cookie) ExpiresAt() time.Time {
	if c.Expires <= 0 {
		return time.Time{}
	}
	sec := int64(c.Expires)
	nsec := int64((c.Expires - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Jar persists cookies as a JSON file. All methods are safe for concurrent use.
type Jar struct {
	mu   sync.Mutex
	path string
}

func NewJar(path string) *Jar { return &Jar{path: path} }

func (j *Jar) Path() string { return j.path }

// Load returns the saved cookies. A missing file yields an empty jar.
func (j *Jar) Load() ([]Cookie, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, err := os.ReadFile(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cookies []Cookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return nil, fmt.Errorf("cookie jar %s: %w", j.path, err)
	}
	return cookies, nil
}

// Save replaces the jar contents atomically (tmp file + rename).
func (j *Jar) Save(cookies []Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(j.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Clear removes the jar file.
func (j *Jar) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := os.Remove(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ParseCookies accepts either a browser-extension JSON export (array of
// cookie objects) or Netscape cookies.txt lines (tab-separated, 7+ fields).
func ParseCookies(raw string) ([]Cookie, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("empty cookie data")
	}

	if strings.HasPrefix(trimmed, "[") {
		var cookies []Cookie
		if err := json.Unmarshal([]byte(trimmed), &cookies); err != nil {
			return nil, fmt.Errorf("cookie JSON: %w", err)
		}
		return dropEmpty(cookies), nil
	}

	var cookies []Cookie
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		expiry, _ := strconv.ParseFloat(fields[4], 64)
		cookies = append(cookies, Cookie{
			Domain:  fields[0],
			Path:    fields[2],
			Secure:  strings.EqualFold(fields[3], "TRUE"),
			Expires: expiry,
			Name:    fields[5],
			Value:   fields[6],
		})
	}
	if len(cookies) == 0 {
		return nil, errors.New("no cookies recognized (want JSON array or Netscape cookies.txt)")
	}
	return cookies, nil
}

func dropEmpty(cookies []Cookie) []Cookie {
	out := cookies[:0]
	for _, c := range cookies {
		if c.Name != "" {
			out = append(out, c)
		}
	}
	return out
}

// EarliestExpiry returns the soonest non-session expiry, or zero when every
// cookie is a session cookie.
func EarliestExpiry(cookies []Cookie) time.Time {
	var earliest time.Time
	for _, c := range cookies {
		at := c.ExpiresAt()
		if at.IsZero() {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest
}
