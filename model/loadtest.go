package model

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Limits accepted by LoadTestConfig.Validate.
const (
	MinVirtualUsers = 1
	MaxVirtualUsers = 10000
	MaxRampUpTime   = 300
	MinDuration     = 1
	MaxDuration     = 3600
	MinTimeoutMs    = 1000
	MaxTimeoutMs    = 300000

	DefaultTimeoutMs = 30000
)

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// LoadTestConfig describes one load test. RampUpTime and Duration are in
// seconds, Timeout in milliseconds. ValidateSSL defaults to true when a config
// is decoded from JSON or a file without it.
type LoadTestConfig struct {
	URL                 string            `json:"url" yaml:"url"`
	Method              string            `json:"method" yaml:"method"`
	Headers             map[string]string `json:"headers,omitempty" yaml:"headers"`
	Body                string            `json:"body,omitempty" yaml:"body"`
	VirtualUsers        int               `json:"virtualUsers" yaml:"virtualUsers"`
	RampUpTime          int               `json:"rampUpTime" yaml:"rampUpTime"`
	Duration            int               `json:"duration" yaml:"duration"`
	Timeout             int               `json:"timeout" yaml:"timeout"`
	FollowRedirects     bool              `json:"followRedirects" yaml:"followRedirects"`
	ValidateSSL         bool              `json:"validateSSL" yaml:"validateSSL"`
	ExpectedStatusCodes []int             `json:"expectedStatusCodes,omitempty" yaml:"expectedStatusCodes"`
}

// UnmarshalJSON decodes c, verifying TLS certificates unless validateSSL is
// explicitly false.
func (c *LoadTestConfig) UnmarshalJSON(data []byte) error {
	type plain LoadTestConfig
	decoded := plain{ValidateSSL: true}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*c = LoadTestConfig(decoded)
	return nil
}

// Clone returns a deep copy of c.
func (c LoadTestConfig) Clone() LoadTestConfig {
	out := c
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	if c.ExpectedStatusCodes != nil {
		out.ExpectedStatusCodes = append([]int(nil), c.ExpectedStatusCodes...)
	}
	return out
}

// WithDefaults returns a copy of c with an upper-cased method (GET when empty)
// and the default timeout applied. The result shares no
// maps or slices with c.
func (c LoadTestConfig) WithDefaults() LoadTestConfig {
	out := c.Clone()
	out.Method = strings.ToUpper(strings.TrimSpace(c.Method))
	if out.Method == "" {
		out.Method = http.MethodGet
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeoutMs
	}
	return out
}

// Validate checks every constraint on the configuration and returns a
// KindValidation *Error describing the first violation.
func (c LoadTestConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Errorf(KindValidation, "url must be an absolute URL, got %q", c.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Errorf(KindValidation, "url scheme must be http or https, got %q", u.Scheme)
	}
	if !allowedMethods[c.Method] {
		return Errorf(KindValidation, "unsupported method %q", c.Method)
	}

	seen := make(map[string]struct{}, len(c.Headers))
	for k, v := range c.Headers {
		if k == "" {
			return Errorf(KindValidation, "header names cannot be empty")
		}
		if !httpguts.ValidHeaderFieldName(k) {
			return Errorf(KindValidation, "invalid header name %q", k)
		}
		if !httpguts.ValidHeaderFieldValue(v) {
			return Errorf(KindValidation, "invalid value for header %q", k)
		}
		key := http.CanonicalHeaderKey(k)
		if _, dup := seen[key]; dup {
			return Errorf(KindValidation, "duplicate header %q", key)
		}
		seen[key] = struct{}{}
	}

	if c.VirtualUsers < MinVirtualUsers || c.VirtualUsers > MaxVirtualUsers {
		return Errorf(KindValidation, "virtualUsers must be between %d and %d, got %d", MinVirtualUsers, MaxVirtualUsers, c.VirtualUsers)
	}
	if c.RampUpTime < 0 || c.RampUpTime > MaxRampUpTime {
		return Errorf(KindValidation, "rampUpTime must be between 0 and %d seconds, got %d", MaxRampUpTime, c.RampUpTime)
	}
	if c.Duration < MinDuration || c.Duration > MaxDuration {
		return Errorf(KindValidation, "duration must be between %d and %d seconds, got %d", MinDuration, MaxDuration, c.Duration)
	}
	if c.Timeout < MinTimeoutMs || c.Timeout > MaxTimeoutMs {
		return Errorf(KindValidation, "timeout must be between %d and %d ms, got %d", MinTimeoutMs, MaxTimeoutMs, c.Timeout)
	}
	if c.RampUpTime > c.Duration {
		return Errorf(KindValidation, "rampUpTime (%ds) cannot exceed duration (%ds)", c.RampUpTime, c.Duration)
	}
	for _, code := range c.ExpectedStatusCodes {
		if code < 100 || code > 599 {
			return Errorf(KindValidation, "expected status code %d is not a valid HTTP status", code)
		}
	}
	return nil
}

// RampUp returns the ramp-up interval.
func (c LoadTestConfig) RampUp() time.Duration {
	return time.Duration(c.RampUpTime) * time.Second
}

// TestDuration returns the test duration.
func (c LoadTestConfig) TestDuration() time.Duration {
	return time.Duration(c.Duration) * time.Second
}

// RequestTimeout returns the per-request timeout.
func (c LoadTestConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// IsExpectedStatus reports whether code counts as a successful response.
// Without an explicit list any 2xx or 3xx code succeeds.
func (c LoadTestConfig) IsExpectedStatus(code int) bool {
	if len(c.ExpectedStatusCodes) == 0 {
		return code >= 200 && code < 400
	}
	for _, expected := range c.ExpectedStatusCodes {
		if code == expected {
			return true
		}
	}
	return false
}
