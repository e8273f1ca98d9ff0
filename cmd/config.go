package main

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/steadyfed/stead/types"
)

// loadConfig reads and merges the yaml config files in order; later
// files override earlier ones field by field.
func loadConfig(paths []string) (types.Config, error) {
	var config types.Config
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return config, err
		}
		err = yaml.Unmarshal(data, &config)
		if err != nil {
			return config, err
		}
	}
	return config, nil
}
