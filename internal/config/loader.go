package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cwgis/entityuid-sync/uidsync"
)

// DefaultPath is the payload file read when no path is given.
const DefaultPath = "config.json"

// envBindings maps payload keys to the environment variables that override them.
var envBindings = map[string]string{
	"CityworksURL":      "CITYWORKS_URL",
	"CityworksUsername": "CITYWORKS_USERNAME",
	"CityworksPassword": "CITYWORKS_PASSWORD",
	"ArcGISURL":         "ARCGIS_URL",
	"ArcGISUsername":    "ARCGIS_USERNAME",
	"ArcGISPassword":    "ARCGIS_PASSWORD",
}

// LoadDotEnv reads KEY=value pairs from path into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadPayload reads the JSON payload file and applies environment overrides for
// connection settings. Layer configurations only come from the file.
func LoadPayload(path string) (uidsync.Payload, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return uidsync.Payload{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return uidsync.Payload{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var payload uidsync.Payload
	if err := v.Unmarshal(&payload); err != nil {
		return uidsync.Payload{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return payload, nil
}
