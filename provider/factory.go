package provider

import (
	"errors"

	"chatcore/config"
)

// ErrConnectionDisabled is returned when the configured connection is
// switched off.
var ErrConnectionDisabled = errors.New("connection is disabled")

// NewFromConfig creates a Client for the configured connection.
//
// Returns an error if:
//   - The connection is disabled
//   - No base URL is configured
//   - No model is configured
func NewFromConfig(cfg *config.Config) (*Client, error) {
	if !cfg.Connection.Enabled {
		return nil, ErrConnectionDisabled
	}
	if cfg.Connection.BaseURL == "" {
		return nil, errors.New("connection base_url is required")
	}
	if cfg.Connection.Model == "" {
		return nil, errors.New("connection model is required")
	}
	return NewClient(ConfigFrom(cfg)), nil
}
