package config

import (
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	pkgerrors "daygraph-backend/pkg/errors"
)

// Limits are the write-protection tunables that may change at runtime
// without a restart. Zero values in the overrides file mean "keep the
// current value".
type Limits struct {
	RatePerMinute    int   `yaml:"ratePerMinute"`
	RatePerHour      int   `yaml:"ratePerHour"`
	RatePerDay       int   `yaml:"ratePerDay"`
	MaxLabelLength   int   `yaml:"maxLabelLength"`
	MaxPropertyBytes int   `yaml:"maxPropertyBytes"`
	MaxNodesPerUser  int   `yaml:"maxNodesPerUser"`
	MaxEdgesPerUser  int   `yaml:"maxEdgesPerUser"`
	StoreWarnBytes   int64 `yaml:"storeWarnBytes"`
	StoreMaxBytes    int64 `yaml:"storeMaxBytes"`
}

// merged returns base with every non-zero override applied.
func (o Limits) merged(base Limits) Limits {
	out := base
	if o.RatePerMinute > 0 {
		out.RatePerMinute = o.RatePerMinute
	}
	if o.RatePerHour > 0 {
		out.RatePerHour = o.RatePerHour
	}
	if o.RatePerDay > 0 {
		out.RatePerDay = o.RatePerDay
	}
	if o.MaxLabelLength > 0 {
		out.MaxLabelLength = o.MaxLabelLength
	}
	if o.MaxPropertyBytes > 0 {
		out.MaxPropertyBytes = o.MaxPropertyBytes
	}
	if o.MaxNodesPerUser > 0 {
		out.MaxNodesPerUser = o.MaxNodesPerUser
	}
	if o.MaxEdgesPerUser > 0 {
		out.MaxEdgesPerUser = o.MaxEdgesPerUser
	}
	if o.StoreWarnBytes > 0 {
		out.StoreWarnBytes = o.StoreWarnBytes
	}
	if o.StoreMaxBytes > 0 {
		out.StoreMaxBytes = o.StoreMaxBytes
	}
	return out
}

// LimitsProvider hands out the current limits snapshot. Reads are lock-free;
// updates swap the whole snapshot so callers never observe a half-applied
// set of limits.
type LimitsProvider struct {
	base    Limits
	current atomic.Value // Limits
}

// NewLimitsProvider creates a provider seeded with the configured limits.
func NewLimitsProvider(base Limits) *LimitsProvider {
	p := &LimitsProvider{base: base}
	p.current.Store(base)
	return p
}

// Current returns the active limits snapshot.
func (p *LimitsProvider) Current() Limits {
	return p.current.Load().(Limits)
}

// ApplyOverrides merges a partial overrides set over the configured base and
// publishes the result.
func (p *LimitsProvider) ApplyOverrides(o Limits) {
	p.current.Store(o.merged(p.base))
}

// Reset restores the configured base limits.
func (p *LimitsProvider) Reset() {
	p.current.Store(p.base)
}

// LoadLimitsFile parses a YAML overrides file.
func LoadLimitsFile(path string) (Limits, error) {
	var o Limits
	raw, err := os.ReadFile(path)
	if err != nil {
		return o, pkgerrors.Wrapf(err, "reading limits file %s", path)
	}
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return o, pkgerrors.NewValidationError("limits file is not valid YAML").WithCause(err)
	}
	return o, nil
}
