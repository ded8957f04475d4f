// Package config loads qmemmand's INI configuration file and builds the
// tuning values the qmemman package needs from it.
package config

import (
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/go-ini/ini"
	"github.com/pkg/errors"

	"github.com/open-xen-project/qmemmand/qmemman"
)

// Defaults for the operator-tunable constants (spec.md §6).
const (
	defaultVMMinMem          = "200MiB"
	defaultDom0MemBoost      = "350MiB"
	defaultCacheMarginFactor = 1.3

	defaultLogLevel      = "info"
	defaultMetricsListen = ""
	defaultSocketPath    = "/var/run/qmemman/qmemman.sock"
)

// Fixed (non-operator-tunable) constants from spec.md §6.
const (
	xenFreeReserveBytes   = 50 * 1024 * 1024
	xenFreeMinimumBytes   = 25 * 1024 * 1024
	balloonDelay          = 100 * time.Millisecond
	overheadFactor        = 1.0 / 1.00781
	checkPeriodS          = 3
	checkMBS              = 100
	safetyFactor          = 1.05
	staticMaxAdjustBytes  = 1 * 1024 * 1024
	hotplugOffsetBytes    = 16 * 1024 * 1024
	minUnderPrefStepBytes = 15 * 1024 * 1024
	minTotalTransferBytes = 150 * 1024 * 1024

	defaultHintFilePath     = "/var/run/qmemman/available-memory"
	defaultOverrideFilePath = "/var/run/qubes/do-not-membalance"
)

// Config holds every setting read from the INI file's [global] section:
// the algorithm-tuning constants SPEC_FULL.md §6.2 names explicitly, plus
// the ambient-stack settings (log level, metrics listener, socket path)
// this expansion adds so the daemon's own plumbing is configurable too.
type Config struct {
	VMMinMemBytes     uint64
	Dom0MemBoostBytes uint64
	CacheMarginFactor float64

	LogLevel      string
	MetricsListen string
	SocketPath    string

	HintFilePath     string
	OverrideFilePath string
}

// Load reads and parses the INI file at path. A missing file is not an
// error: defaults are used, matching the original daemon's
// SafeConfigParser-with-defaults behavior.
func Load(path string) (*Config, error) {
	c := &Config{
		LogLevel:         defaultLogLevel,
		MetricsListen:    defaultMetricsListen,
		SocketPath:       defaultSocketPath,
		HintFilePath:     defaultHintFilePath,
		OverrideFilePath: defaultOverrideFilePath,
	}

	vmMinMem, err := bytefmt.ToBytes(defaultVMMinMem)
	if err != nil {
		return nil, errors.Wrap(err, "parse default vm-min-mem")
	}
	dom0Boost, err := bytefmt.ToBytes(defaultDom0MemBoost)
	if err != nil {
		return nil, errors.Wrap(err, "parse default dom0-mem-boost")
	}
	c.VMMinMemBytes = vmMinMem
	c.Dom0MemBoostBytes = dom0Boost
	c.CacheMarginFactor = defaultCacheMarginFactor

	file, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}

	section := file.Section("global")

	if key := section.Key("vm-min-mem"); key.String() != "" {
		v, err := bytefmt.ToBytes(key.String())
		if err != nil {
			return nil, errors.Wrap(err, "parse vm-min-mem")
		}
		c.VMMinMemBytes = v
	}
	if key := section.Key("dom0-mem-boost"); key.String() != "" {
		v, err := bytefmt.ToBytes(key.String())
		if err != nil {
			return nil, errors.Wrap(err, "parse dom0-mem-boost")
		}
		c.Dom0MemBoostBytes = v
	}
	if key := section.Key("cache-margin-factor"); key.String() != "" {
		v, err := key.Float64()
		if err != nil {
			return nil, errors.Wrap(err, "parse cache-margin-factor")
		}
		c.CacheMarginFactor = v
	}
	if v := section.Key("log-level").String(); v != "" {
		c.LogLevel = v
	}
	if v := section.Key("metrics-listen").String(); v != "" {
		c.MetricsListen = v
	}
	if v := section.Key("socket-path").String(); v != "" {
		c.SocketPath = v
	}

	return c, nil
}

// Tuning builds the Allocator tuning constants from this config.
func (c *Config) Tuning() qmemman.Tuning {
	return qmemman.Tuning{
		CacheFactor:  c.CacheMarginFactor,
		MinPrefmem:   c.VMMinMemBytes,
		Dom0MemBoost: c.Dom0MemBoostBytes,
		SafetyFactor: safetyFactor,
	}
}

// Constants builds the fixed State constants, combined with the file
// paths this config carries.
func (c *Config) Constants() qmemman.Constants {
	return qmemman.Constants{
		XenFreeReserveBytes:   xenFreeReserveBytes,
		XenFreeMinimumBytes:   xenFreeMinimumBytes,
		BalloonDelay:          balloonDelay,
		OverheadFactor:        overheadFactor,
		CheckPeriodS:          checkPeriodS,
		CheckMBS:              checkMBS,
		HintFilePath:          c.HintFilePath,
		OverrideFilePath:      c.OverrideFilePath,
		StaticMaxAdjustBytes:  staticMaxAdjustBytes,
		HotplugOffsetBytes:    hotplugOffsetBytes,
		MinUnderPrefStepBytes: minUnderPrefStepBytes,
		MinTotalTransferBytes: minTotalTransferBytes,
	}
}
