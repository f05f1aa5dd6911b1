package event

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type compareConfig struct {
	ignoreTimestamp bool
	ignoreVersion   bool
	ignorePosition  bool
}

// CompareOption relaxes event comparison.
type CompareOption func(*compareConfig)

// IgnoreTimestamp skips the timestamp when comparing.
func IgnoreTimestamp() CompareOption {
	return func(c *compareConfig) { c.ignoreTimestamp = true }
}

// IgnoreVersion skips the version when comparing.
func IgnoreVersion() CompareOption {
	return func(c *compareConfig) { c.ignoreVersion = true }
}

// IgnorePositionMetadata skips the store-assigned position metadata field.
func IgnorePositionMetadata() CompareOption {
	return func(c *compareConfig) { c.ignorePosition = true }
}

// Equal reports whether two events are equal under the given options.
func Equal(a, b Event, opts ...CompareOption) bool {
	cfg := newCompareConfig(opts)
	return cmp.Equal(cfg.prepare(a), cfg.prepare(b), cfg.options()...)
}

// Diff returns a human readable difference, empty when the events are equal.
func Diff(a, b Event, opts ...CompareOption) string {
	cfg := newCompareConfig(opts)
	return cmp.Diff(cfg.prepare(a), cfg.prepare(b), cfg.options()...)
}

func newCompareConfig(opts []CompareOption) compareConfig {
	var cfg compareConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (cfg compareConfig) prepare(e Event) Event {
	if cfg.ignorePosition {
		e.Metadata = e.Metadata.Without(MetaPosition)
	}
	return e
}

func (cfg compareConfig) options() []cmp.Option {
	options := []cmp.Option{cmpopts.EquateEmpty()}
	var ignored []string
	if cfg.ignoreTimestamp {
		ignored = append(ignored, "Timestamp")
	}
	if cfg.ignoreVersion {
		ignored = append(ignored, "Version")
	}
	if len(ignored) > 0 {
		options = append(options, cmpopts.IgnoreFields(Event{}, ignored...))
	}
	return options
}
