package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
	"gopkg.in/yaml.v3"
)

// PickerConfig mirrors file-picker-config.json.
type PickerConfig struct {
	Server        string        `json:"server" yaml:"server"`
	OpenIDConnect OpenIDConnect `json:"openIdConnect" yaml:"openIdConnect"`
}

// OpenIDConnect identifies the OAuth client whose stored token the bridge
// consumes.
type OpenIDConnect struct {
	Authority string `json:"authority" yaml:"authority"`
	ClientID  string `json:"client_id" yaml:"client_id"`
}

// LoadPickerConfig reads and validates the picker configuration document.
// The server URL loses any trailing slash so URL construction can append
// absolute paths.
func LoadPickerConfig(path string) (*PickerConfig, error) {
	var pc PickerConfig
	if err := decodeFile(path, &pc); err != nil {
		return nil, err
	}

	pc.Server = strings.TrimRight(strings.TrimSpace(pc.Server), "/")

	switch {
	case pc.Server == "":
		return nil, fmt.Errorf("%w: %s: server is required", apperr.ErrConfig, path)
	case pc.OpenIDConnect.Authority == "":
		return nil, fmt.Errorf("%w: %s: openIdConnect.authority is required", apperr.ErrConfig, path)
	case pc.OpenIDConnect.ClientID == "":
		return nil, fmt.Errorf("%w: %s: openIdConnect.client_id is required", apperr.ErrConfig, path)
	}

	return &pc, nil
}

// LoadAllowedOrigins reads the allow-list document: a list of origin
// patterns. An empty list is valid and rejects every origin.
func LoadAllowedOrigins(path string) ([]string, error) {
	var origins []string
	if err := decodeFile(path, &origins); err != nil {
		return nil, err
	}

	return origins, nil
}

func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", apperr.ErrConfig, path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}

	if err != nil {
		return fmt.Errorf("%w: decoding %s: %v", apperr.ErrConfig, path, err)
	}

	return nil
}
