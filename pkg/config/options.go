// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/strategies/pkg/support/sets"
)

// Options are the "key=value" pairs of a configuration string.
type Options map[string]string

// Split a configuration string "<name>:<options>" into the name and the options string. If there is no ":",
// the whole config is the name.
func Split(config string) (name, options string) {
	name, options, _ = strings.Cut(config, ":")
	return strings.TrimSpace(name), options
}

// ParseOptions parses a comma-separated list of "key=value" pairs. A key without "=" is set to "true".
func ParseOptions(options string) (Options, error) {
	opts := make(Options)
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("invalid option %q in %q: missing key", part, options)
		}
		if !found {
			value = "true"
		}
		opts[key] = strings.TrimSpace(value)
	}
	return opts, nil
}

// Int returns the value of key as an int, or defaultValue if key is not set.
func (o Options) Int(key string, defaultValue int) (int, error) {
	value, found := o[key]
	if !found {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Errorf("option %s=%q must be an integer", key, value)
	}
	return i, nil
}

// Bool returns the value of key as a bool, or defaultValue if key is not set.
func (o Options) Bool(key string, defaultValue bool) (bool, error) {
	value, found := o[key]
	if !found {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Errorf("option %s=%q must be a boolean", key, value)
	}
	return b, nil
}

// String returns the value of key, or defaultValue if key is not set.
func (o Options) String(key, defaultValue string) string {
	if value, found := o[key]; found {
		return value
	}
	return defaultValue
}

// CheckKnown returns an error if any option is not one of the known keys.
func (o Options) CheckKnown(known ...string) error {
	knownSet := sets.MakeWith(known...)
	for key := range o {
		if !knownSet.Has(key) {
			return errors.Errorf("unknown option %q, known options are %v", key, known)
		}
	}
	return nil
}
