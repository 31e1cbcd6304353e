// Package battery reads the charge level of a Linux power supply.
package battery

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mikeyg42/mecam/internal/config"
)

const sysfsRoot = "/sys/class/power_supply"

// Status is the battery section of the pipeline status.
type Status struct {
	Enabled bool   `json:"enabled"`
	Percent *int   `json:"percent"`
	IsLow   bool   `json:"is_low"`
	Error   string `json:"error,omitempty"`
}

// Probe reads capacity for the supply named in the current config.
type Probe struct {
	provider *config.Provider
	root     string
}

func NewProbe(provider *config.Provider) *Probe {
	return &Probe{provider: provider, root: sysfsRoot}
}

// Read never fails: a disabled probe or an unreadable supply is reported in
// the returned Status.
func (p *Probe) Read() Status {
	cfg := p.provider.Current().Battery
	if !cfg.Enabled {
		return Status{}
	}
	st := Status{Enabled: true}
	pct, err := readCapacity(filepath.Join(p.root, cfg.SupplyName, "capacity"))
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Percent = &pct
	st.IsLow = pct <= cfg.LowThresholdPercent
	return st
}

func readCapacity(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("capacity out of range: %d", v)
	}
	return v, nil
}
