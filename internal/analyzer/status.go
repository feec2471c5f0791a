package analyzer

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// BackendRunning is the only backend state in which the device is enrolled
// and connected.
const BackendRunning = "Running"

// DeviceState is the local device as reported by `tailscale status --json`.
type DeviceState struct {
	BackendState string
	HostName     string
	DNSName      string
	Tailnet      string
	AuthURL      string
	Version      string
	IPs          []string
	Tags         []string
	Online       bool
}

// Enrolled reports whether the device has joined a tailnet and is running.
func (s *DeviceState) Enrolled() bool {
	return s.BackendState == BackendRunning
}

// HasTag reports whether tag is among the device's current tags.
func (s *DeviceState) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// status mirrors the parts of the client's JSON status we read.
type status struct {
	Self *struct {
		HostName     string   `json:"HostName"`
		DNSName      string   `json:"DNSName"`
		Tags         []string `json:"Tags"`
		TailscaleIPs []string `json:"TailscaleIPs"`
		Online       bool     `json:"Online"`
	} `json:"Self"`
	CurrentTailnet *struct {
		Name string `json:"Name"`
	} `json:"CurrentTailnet"`
	BackendState string `json:"BackendState"`
	AuthURL      string `json:"AuthURL"`
	Version      string `json:"Version"`
}

// ParseStatus parses the output of `tailscale status --json`.
func ParseStatus(data []byte) (*DeviceState, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("empty status output")
	}

	var raw status
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse status: %w", err)
	}
	if raw.BackendState == "" {
		return nil, errors.New("status has no backend state")
	}

	state := &DeviceState{
		BackendState: raw.BackendState,
		AuthURL:      raw.AuthURL,
		Version:      raw.Version,
	}
	if raw.Self != nil {
		state.HostName = raw.Self.HostName
		state.DNSName = strings.TrimSuffix(raw.Self.DNSName, ".")
		state.IPs = raw.Self.TailscaleIPs
		state.Online = raw.Self.Online
		state.Tags = raw.Self.Tags
	}
	if raw.CurrentTailnet != nil {
		state.Tailnet = raw.CurrentTailnet.Name
	}
	return state, nil
}
