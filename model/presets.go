package model

import "net/http"

// Preset is a named starting configuration offered to operators.
type Preset struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Config      LoadTestConfig `json:"config"`
}

const presetURL = "https://example.com/"

var presets = []Preset{
	{
		Name:        "smoke",
		Description: "Single virtual user for a short run to confirm the endpoint answers.",
		Config:      LoadTestConfig{URL: presetURL, Method: http.MethodGet, VirtualUsers: 1, RampUpTime: 0, Duration: 10, Timeout: 5000, FollowRedirects: true, ValidateSSL: true},
	},
	{
		Name:        "baseline",
		Description: "Moderate steady load to establish normal latency and throughput.",
		Config:      LoadTestConfig{URL: presetURL, Method: http.MethodGet, VirtualUsers: 25, RampUpTime: 10, Duration: 60, Timeout: 10000, FollowRedirects: true, ValidateSSL: true},
	},
	{
		Name:        "stress",
		Description: "Gradual climb to high concurrency to find the breaking point.",
		Config:      LoadTestConfig{URL: presetURL, Method: http.MethodGet, VirtualUsers: 500, RampUpTime: 120, Duration: 300, Timeout: 30000, FollowRedirects: true, ValidateSSL: true},
	},
	{
		Name:        "spike",
		Description: "Full concurrency from time zero to test sudden bursts.",
		Config:      LoadTestConfig{URL: presetURL, Method: http.MethodGet, VirtualUsers: 200, RampUpTime: 0, Duration: 60, Timeout: 30000, FollowRedirects: true, ValidateSSL: true},
	},
	{
		Name:        "soak",
		Description: "Sustained moderate load for an hour to surface leaks and drift.",
		Config:      LoadTestConfig{URL: presetURL, Method: http.MethodGet, VirtualUsers: 50, RampUpTime: 60, Duration: 3600, Timeout: 30000, FollowRedirects: true, ValidateSSL: true},
	},
}

// Presets returns a copy of the built-in preset catalog.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	for i, p := range presets {
		out[i] = p
		out[i].Config = p.Config.WithDefaults()
	}
	return out
}

// PresetByName looks a preset up by name.
func PresetByName(name string) (Preset, bool) {
	for _, p := range Presets() {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
