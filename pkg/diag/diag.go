// Package diag implements the single Diagnostics bag shared across a cache
// build: one fatal error wins, everything else accumulates as a warning.
package diag

import (
	"fmt"
	"sync"
)

// Diagnostics collects the fatal error and warnings for one input or for the
// build as a whole. The zero value is ready to use.
type Diagnostics struct {
	mu       sync.Mutex
	fatal    error
	warnings []string
}

// Error records a fatal error. Only the first call sticks; later calls are
// recorded as warnings so nothing is silently dropped.
func (d *Diagnostics) Error(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := fmt.Errorf(format, args...)
	if d.fatal == nil {
		d.fatal = err
		return
	}
	d.warnings = append(d.warnings, err.Error())
}

// Warning records a non-fatal diagnostic.
func (d *Diagnostics) Warning(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnings = append(d.warnings, fmt.Sprintf(format, args...))
}

// HasError reports whether a fatal error has been recorded.
func (d *Diagnostics) HasError() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal != nil
}

// Fatal returns the fatal error, or nil.
func (d *Diagnostics) Fatal() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

// Warnings returns a snapshot of the recorded warnings.
func (d *Diagnostics) Warnings() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.warnings))
	copy(out, d.warnings)
	return out
}

// Merge folds another bag's warnings (and, if we have none yet, its fatal
// error) into this one. Used to roll per-input diagnostics into the
// top-level build bag.
func (d *Diagnostics) Merge(other *Diagnostics) {
	if other == nil {
		return
	}
	other.mu.Lock()
	fatal := other.fatal
	warnings := append([]string(nil), other.warnings...)
	other.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal == nil {
		d.fatal = fatal
	} else if fatal != nil {
		d.warnings = append(d.warnings, fatal.Error())
	}
	d.warnings = append(d.warnings, warnings...)
}
