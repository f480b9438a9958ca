package cookies

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// SessionCookie is the cookie the platform checks for an authenticated viewer.
const SessionCookie = "sessionid_ss"

// Jar holds the cookie set sent with every platform request. It is loaded
// from a JSON file (name → value) once at startup and can be updated at
// runtime (e.g. when the operator pastes a fresh session cookie), so all
// access is serialized.
type Jar struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// Load reads a cookie file and returns a Jar bound to it. A missing file is
// an error: the caller decides whether cookies are optional.
func Load(path string) (*Jar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cookie file %q: %w", path, err)
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse cookie file %q: %w", path, err)
	}

	return &Jar{path: path, values: values}, nil
}

// Empty returns a Jar with no cookies and no backing file.
func Empty() *Jar {
	return &Jar{values: map[string]string{}}
}

// FromString parses a "key=value; key2=value2" cookie string into a Jar
// with no backing file.
func FromString(raw string) *Jar {
	values := map[string]string{}
	for _, pair := range strings.Split(raw, ";") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			values[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return &Jar{values: values}
}

// Values returns a copy of the current cookie map.
func (j *Jar) Values() map[string]string {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]string, len(j.values))
	for k, v := range j.values {
		out[k] = v
	}
	return out
}

// Header serializes the cookies into a Cookie header value. Keys are sorted
// so the header is stable between requests.
func (j *Jar) Header() string {
	j.mu.Lock()
	defer j.mu.Unlock()

	keys := make([]string, 0, len(j.values))
	for k := range j.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(j.values[k])
	}
	return sb.String()
}

// Count returns the number of cookies in the jar.
func (j *Jar) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.values)
}

// SetSession replaces the session cookie and, if the jar is file-backed,
// persists the whole jar back to disk.
func (j *Jar) SetSession(value string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.values[SessionCookie] = value
	if j.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(j.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cookie file: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(j.path, data, 0600); err != nil {
		return fmt.Errorf("write cookie file %q: %w", j.path, err)
	}
	return nil
}
