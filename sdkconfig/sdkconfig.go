// Copyright 2024 The go-pixie Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sdkconfig loads the SDK's own process-level configuration
// (firmware database DSN, slot count, FIFO tunables, calibration
// tolerances, alert mailer host and addresses) from a TOML/YAML/JSON
// file via
// github.com/spf13/viper, the way _examples/jbrzusto-ogdar's config.go
// loads its digitizer defaults.
package sdkconfig

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the SDK-level process configuration, distinct from the
// per-module JSON config the config package imports and exports.
type Config struct {
	FirmwareDSN    string `mapstructure:"firmware_dsn"`
	FirmwareDBName string `mapstructure:"firmware_db_name"`

	NumSlots int `mapstructure:"num_slots"`

	FifoBuffers int           `mapstructure:"fifo_buffers"`
	FifoRunWait time.Duration `mapstructure:"fifo_run_wait"`
	FifoIdleWait time.Duration `mapstructure:"fifo_idle_wait"`
	FifoHoldTime time.Duration `mapstructure:"fifo_hold_time"`

	CalibrationNoisePercent float64       `mapstructure:"calibration_noise_percent"`
	CalibrationSettleWait   time.Duration `mapstructure:"calibration_settle_wait"`

	AlertSMTPHost string `mapstructure:"alert_smtp_host"`
	AlertSMTPPort int    `mapstructure:"alert_smtp_port"`
	AlertFrom     string `mapstructure:"alert_from"`
	AlertTo       []string `mapstructure:"alert_to"`
}

// setDefaults seeds defaults for the slot count, FIFO tunables,
// calibration settings and SMTP port, used both to pre-populate viper
// and as the fallback when no config file is found at all. The firmware
// database and alert host/address fields have no default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("num_slots", 13)
	v.SetDefault("fifo_buffers", 100)
	v.SetDefault("fifo_run_wait", 5*time.Millisecond)
	v.SetDefault("fifo_idle_wait", 150*time.Millisecond)
	v.SetDefault("fifo_hold_time", 100*time.Millisecond)
	v.SetDefault("calibration_noise_percent", 0.5)
	v.SetDefault("calibration_settle_wait", 250*time.Millisecond)
	v.SetDefault("alert_smtp_port", 587)
}

// Load reads "pixie16.{toml,yaml,json,...}" from the given search paths
// (in order) via viper, falling back to defaults with ok=false if no
// config file is found in any of them.
func Load(searchPaths ...string) (cfg Config, ok bool, err error) {
	v := viper.New()
	v.SetConfigName("pixie16")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")
	setDefaults(v)

	readErr := v.ReadInConfig()
	if readErr != nil {
		if _, isNotFound := readErr.(viper.ConfigFileNotFoundError); !isNotFound {
			return Config{}, false, fmt.Errorf("sdkconfig: read config: %w", readErr)
		}
		ok = false
	} else {
		ok = true
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, false, fmt.Errorf("sdkconfig: unmarshal: %w", err)
	}
	return cfg, ok, nil
}
