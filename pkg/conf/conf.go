// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Default locations of the config map and the secrets mounted into the pod.
const (
	DefaultConfigPath  = "/etc/config/conf.json"
	DefaultSecretsPath = "/etc/secrets/secrets.json"
)

// Create a new configuration from the default config json files.
//
// This will read two files:
//   - /etc/config/conf.json
//   - /etc/secrets/secrets.json
//
// The values read from secrets.json will override the values in conf.json
func GetConfigOrDie[C any]() C {
	c, err := LoadConfig[C](DefaultConfigPath, DefaultSecretsPath)
	if err != nil {
		panic(err)
	}
	return c
}

// Load the configuration from a base file and an optional override file.
// A missing override file is not an error, since secrets are optional when
// running the service locally.
func LoadConfig[C any](basePath, overridePath string) (C, error) {
	var c C
	// Note: We need to read the config as a raw map first, to avoid golang
	// unmarshalling default values for the fields.
	base, err := readRawConfig(basePath)
	if err != nil {
		return c, fmt.Errorf("failed to read config %s: %w", basePath, err)
	}
	override := map[string]any{}
	if overridePath != "" {
		override, err = readRawConfig(overridePath)
		if err != nil && !os.IsNotExist(err) {
			return c, fmt.Errorf("failed to read secrets %s: %w", overridePath, err)
		}
	}
	return newConfigFromMaps[C](base, override)
}

func newConfigFromMaps[C any](base, override map[string]any) (C, error) {
	var c C
	// Merge the base config with the override config.
	mergedConf := mergeMaps(base, override)
	// Marshal again, and then unmarshal into the config struct.
	mergedBytes, err := json.Marshal(mergedConf)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(mergedBytes, &c); err != nil {
		return c, err
	}
	return c, nil
}

// Read the json as a map from the given file path.
func readRawConfig(filepath string) (map[string]any, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	var conf map[string]any
	if err := json.Unmarshal(bytes, &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// mergeMaps recursively overrides dst with src (in-place)
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if v == nil {
			continue
		}
		if dstVal, ok := dst[k]; ok {
			dstMap, dstIsMap := dstVal.(map[string]any)
			srcMap, srcIsMap := v.(map[string]any)
			if dstIsMap && srcIsMap {
				dst[k] = mergeMaps(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
