// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"grimm.is/ingressmeter/internal/ebpf/types"
	"grimm.is/ingressmeter/internal/errors"
	"grimm.is/ingressmeter/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a defaulted config. The returned error is a
// KindValidation error wrapping ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs.add("log_level", "%v", err)
	}

	if c.Counters != nil {
		if c.Counters.MaxEntries < 1 || c.Counters.MaxEntries > types.MaxCounterEntries {
			errs.add("counters.max_entries", "must be in [1, %d], got %d", types.MaxCounterEntries, c.Counters.MaxEntries)
		}
		if c.Counters.PinPath != "" && !filepath.IsAbs(c.Counters.PinPath) {
			errs.add("counters.pin_path", "must be absolute, got %q", c.Counters.PinPath)
		}
	}

	if len(c.Probes) == 0 {
		errs.add("probe", "at least one probe is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Probes {
		field := fmt.Sprintf("probe[%d]", i)
		hook, err := types.ParseHookType(p.Hook)
		if err != nil {
			errs.add(field, "%v", err)
			continue
		}
		if p.Interface == "" {
			errs.add(field+".interface", "must not be empty")
		}
		key := hook.String() + "@" + p.Interface
		if seen[key] {
			errs.add(field, "duplicate %s probe on %s", hook, p.Interface)
		}
		seen[key] = true

		switch hook {
		case types.HookXDP:
			if _, err := XDPMode(p.Mode); err != nil {
				errs.add(field+".mode", "%v", err)
			}
		case types.HookClassifier:
			if p.Mode != "" {
				errs.add(field+".mode", "only xdp probes take a mode")
			}
		}
	}

	if c.Collector != nil {
		if d, err := c.Collector.IntervalDuration(); err != nil {
			errs.add("collector.interval", "%v", err)
		} else if d <= 0 {
			errs.add("collector.interval", "must be positive, got %s", d)
		}
		if c.Counters != nil {
			for _, k := range c.Collector.Keys {
				if k >= c.Counters.MaxEntries {
					errs.add("collector.keys", "key %d outside table of %d entries", k, c.Counters.MaxEntries)
				}
			}
		}
	}

	if c.Metrics != nil && c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs.add("metrics.listen", "%v", err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errs, errors.KindValidation, "invalid config")
}
