// Package config loads runtime knobs from a vela.toml file found by
// walking up from the working directory. Every knob has a default, so
// a missing file is not an error; CLI flags override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ManifestName is the file the upward search looks for.
const ManifestName = "vela.toml"

// GC configures the heap's cycle collector.
type GC struct {
	CycleThreshold   int     `toml:"cycle_threshold"`
	PressureFraction float64 `toml:"pressure_fraction"`
}

// Scheduler configures reactive update propagation.
type Scheduler struct {
	MaxFlushDepth int `toml:"max_flush_depth"`
}

// Deopt configures the deoptimisation controller.
type Deopt struct {
	RegressionThreshold float64 `toml:"regression_threshold"`
}

// Runtime is the full knob set.
type Runtime struct {
	GC        GC        `toml:"gc"`
	Scheduler Scheduler `toml:"scheduler"`
	Deopt     Deopt     `toml:"deopt"`
}

// Default returns the recommended defaults.
func Default() Runtime {
	return Runtime{
		GC:        GC{CycleThreshold: 64, PressureFraction: 0.25},
		Scheduler: Scheduler{MaxFlushDepth: 100},
		Deopt:     Deopt{RegressionThreshold: 1.5},
	}
}

// FindManifest walks up from startDir to locate vela.toml.
func FindManifest(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ManifestName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadFile parses a vela.toml. Knobs absent from the file keep their
// defaults; present knobs are validated.
func LoadFile(path string) (Runtime, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Default(), fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return Default(), fmt.Errorf("%s: unknown key %q", path, undec[0].String())
	}
	if err := cfg.validate(); err != nil {
		return Default(), fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Load searches upward from startDir and loads the nearest manifest,
// falling back to defaults when none exists.
func Load(startDir string) (Runtime, error) {
	path, ok, err := FindManifest(startDir)
	if err != nil {
		return Default(), err
	}
	if !ok {
		return Default(), nil
	}
	return LoadFile(path)
}

func (r Runtime) validate() error {
	if r.GC.CycleThreshold <= 0 {
		return fmt.Errorf("gc.cycle_threshold must be positive, got %d", r.GC.CycleThreshold)
	}
	if r.GC.PressureFraction <= 0 || r.GC.PressureFraction > 1 {
		return fmt.Errorf("gc.pressure_fraction must be in (0, 1], got %g", r.GC.PressureFraction)
	}
	if r.Scheduler.MaxFlushDepth <= 0 {
		return fmt.Errorf("scheduler.max_flush_depth must be positive, got %d", r.Scheduler.MaxFlushDepth)
	}
	if r.Deopt.RegressionThreshold <= 1 {
		return fmt.Errorf("deopt.regression_threshold must exceed 1, got %g", r.Deopt.RegressionThreshold)
	}
	return nil
}
