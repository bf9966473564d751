package ratelimits

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// seedLimit is the YAML shape of one Limit entry in a seed file.
type seedLimit struct {
	Name         string `yaml:"name"`
	Capacity     int64  `yaml:"capacity"`
	Burst        int64  `yaml:"burst"`
	RefillAmount int64  `yaml:"refill_amount"`
	RefillPeriod string `yaml:"refill_period"`
}

func (sl seedLimit) toLimit() (Limit, error) {
	d, err := time.ParseDuration(sl.RefillPeriod)
	if err != nil {
		return Limit{}, fmt.Errorf("limit %q: refill_period: %w", sl.Name, err)
	}
	return Limit{
		Name:         sl.Name,
		Capacity:     sl.Capacity,
		Burst:        sl.Burst,
		RefillAmount: sl.RefillAmount,
		RefillPeriod: d,
	}, nil
}

// seedResourceDefault is one resource-default block in a seed file.
type seedResourceDefault struct {
	Resource string      `yaml:"resource"`
	Limits   []seedLimit `yaml:"limits"`
}

// SeedFile is the YAML document shape SeedDefaults loads, replacing the
// teacher's two flat "limit name: capacity,burst,period,emission" files
// (loadAndParseDefaultLimits / loadAndParseOverrideLimits) with one
// structured bootstrap file spanning both resolver scopes this spec
// supports at startup time: the system-default and every resource-default.
type SeedFile struct {
	SystemDefaults struct {
		Limits        []seedLimit `yaml:"limits"`
		OnUnavailable string      `yaml:"on_unavailable"`
	} `yaml:"system_defaults"`
	ResourceDefaults []seedResourceDefault `yaml:"resource_defaults"`
}

func parseOnUnavailable(s string) (OnUnavailable, error) {
	switch s {
	case "", "unset":
		return OnUnavailableUnset, nil
	case "block":
		return OnUnavailableBlock, nil
	case "allow":
		return OnUnavailableAllow, nil
	default:
		return OnUnavailableUnset, newValidationError("on_unavailable: unknown value %q", s)
	}
}

// LoadSeedFile parses a seed YAML document from path.
func LoadSeedFile(path string) (*SeedFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf SeedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &sf, nil
}

// SeedDefaults loads path and writes its system-default and
// resource-default records through store, the startup-time bootstrap
// equivalent of the teacher's loadAndParseDefaultLimits /
// loadAndParseOverrideLimits pair. It is not called automatically by
// NewLimiter; callers invoke it once at process start when they want a
// fresh namespace pre-populated from a file instead of by calling
// ConfigStore's setters individually.
func SeedDefaults(ctx context.Context, store *ConfigStore, path string) error {
	sf, err := LoadSeedFile(path)
	if err != nil {
		return err
	}

	if len(sf.SystemDefaults.Limits) > 0 {
		onUnavailable, err := parseOnUnavailable(sf.SystemDefaults.OnUnavailable)
		if err != nil {
			return err
		}
		limits := make([]Limit, 0, len(sf.SystemDefaults.Limits))
		for _, sl := range sf.SystemDefaults.Limits {
			l, err := sl.toLimit()
			if err != nil {
				return err
			}
			limits = append(limits, l)
		}
		if err := store.SetSystemDefaults(ctx, limits, onUnavailable); err != nil {
			return fmt.Errorf("seed system defaults: %w", err)
		}
	}

	for _, rd := range sf.ResourceDefaults {
		limits := make([]Limit, 0, len(rd.Limits))
		for _, sl := range rd.Limits {
			l, err := sl.toLimit()
			if err != nil {
				return err
			}
			limits = append(limits, l)
		}
		if err := store.SetResourceDefaults(ctx, rd.Resource, limits); err != nil {
			return fmt.Errorf("seed resource defaults %q: %w", rd.Resource, err)
		}
	}

	return nil
}
