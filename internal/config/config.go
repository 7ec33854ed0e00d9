// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and persists the daemon settings file.
//
// Settings live in a single YAML document, by default at
// $XDG_CONFIG_HOME/cncd/settings.yaml. The zero value of every field is
// usable; Load applies defaults so callers never see unset required fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bhangun/cncd/pkg/errors"
)

// DefaultBaudRate is used when the settings file does not name one.
// 115200 is the rate both TinyG and g2core ship with.
const DefaultBaudRate = 115200

// ExceptionSettings controls how firmware status errors are handled.
type ExceptionSettings struct {
	// IgnoreErrors keeps a running program going when the firmware
	// reports a non-zero status code. The error is still broadcast.
	IgnoreErrors bool `yaml:"ignore_errors"`
}

// ControllerSettings groups controller behavior knobs.
type ControllerSettings struct {
	Exception ExceptionSettings `yaml:"exception"`
}

// SerialSettings groups serial-port parameters.
type SerialSettings struct {
	BaudRate int `yaml:"baud_rate"`
}

// TriggerSettings maps a controller event name to an action.
type TriggerSettings struct {
	// Type selects the action kind: "gcode" injects Commands through the
	// feeder, "system" runs Commands through the shell task runner.
	Type string `yaml:"type"`

	// Commands is the g-code block or shell command line to run.
	Commands string `yaml:"commands"`
}

// Settings is the root of the settings.yaml document.
type Settings struct {
	Controller ControllerSettings `yaml:"controller"`
	Serial     SerialSettings     `yaml:"serial"`

	// WatchDirectory is scanned for g-code files exposed as macros.
	WatchDirectory string `yaml:"watch_directory"`

	// Context seeds the shared expression context (user variables).
	Context map[string]float64 `yaml:"context"`

	// Events maps event names (e.g. "controller:ready") to trigger actions.
	Events map[string]TriggerSettings `yaml:"events"`
}

// Default returns a Settings with all defaults applied.
func Default() *Settings {
	return &Settings{
		Serial:  SerialSettings{BaudRate: DefaultBaudRate},
		Context: map[string]float64{},
		Events:  map[string]TriggerSettings{},
	}
}

// ConfigDir returns the directory holding the settings file, creating it
// if necessary. Honors XDG_CONFIG_HOME.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, "cncd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// SettingsPath returns the full path to the settings.yaml file.
func SettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}

// Load reads settings from path. An empty path uses the default location.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Settings, error) {
	if path == "" {
		var err error
		path, err = SettingsPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, &errors.ConfigError{Reason: "failed to read settings file", Cause: err}
	}

	settings := Default()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, &errors.ConfigError{Reason: "failed to parse settings file", Cause: err}
	}
	applyDefaults(settings)
	return settings, nil
}

// Save writes settings to path with owner-only permissions.
// An empty path uses the default location.
func Save(settings *Settings, path string) error {
	if path == "" {
		var err error
		path, err = SettingsPath()
		if err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return &errors.ConfigError{Reason: "failed to encode settings", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &errors.ConfigError{Reason: "failed to write settings file", Cause: err}
	}
	return nil
}

func applyDefaults(s *Settings) {
	if s.Serial.BaudRate == 0 {
		s.Serial.BaudRate = DefaultBaudRate
	}
	if s.Context == nil {
		s.Context = map[string]float64{}
	}
	if s.Events == nil {
		s.Events = map[string]TriggerSettings{}
	}
}
