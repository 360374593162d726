package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/graaaaa/livecast/internal/config"
)

// ErrInvalidConfig marks a rejected configuration update.
var ErrInvalidConfig = errors.New("invalid config")

// ConfigUsecase defines the configuration management use case.
type ConfigUsecase interface {
	// GetConfig returns the current configuration.
	GetConfig(ctx context.Context) ConfigResponse

	// UpdateConfig updates the configuration with the given changes.
	UpdateConfig(ctx context.Context, req ConfigUpdateRequest) (ConfigUpdateResponse, error)
}

// ConfigResponse represents the current configuration (excludes secret values).
type ConfigResponse struct {
	Port               int             `json:"port"`
	LanEnabled         bool            `json:"lan_enabled"`
	Host               bool            `json:"host"`
	RetentionDays      int             `json:"retention_days"`
	Pipeline           config.Pipeline `json:"pipeline"`
	PostgresConfigured bool            `json:"postgres_configured"`
	AMQPConfigured     bool            `json:"amqp_configured"`
}

// ConfigUpdateRequest contains optional fields for updating configuration.
type ConfigUpdateRequest struct {
	Port           *int    `json:"port,omitempty"`
	LanEnabled     *bool   `json:"lan_enabled,omitempty"`
	Host           *bool   `json:"host,omitempty"`
	RetentionDays  *int    `json:"retention_days,omitempty"`
	IdentityTTLSec *int    `json:"identity_ttl_sec,omitempty"`
	ViewerWriteSec *int    `json:"viewer_write_sec,omitempty"`
	PostgresURL    *string `json:"postgres_url,omitempty"`
	AMQPURL        *string `json:"amqp_url,omitempty"`
}

// ConfigUpdateResponse indicates the result of a configuration update.
type ConfigUpdateResponse struct {
	Success         bool `json:"success"`
	RestartRequired bool `json:"restart_required"`
	NewPort         int  `json:"new_port,omitempty"`
}

// ConfigService implements ConfigUsecase.
type ConfigService struct {
	ConfigPath  string
	SecretsPath string
}

// GetConfig returns the current configuration.
func (s ConfigService) GetConfig(ctx context.Context) ConfigResponse {
	cfg, _ := config.LoadConfigFrom(s.ConfigPath)
	sec, _, _ := config.LoadSecretsFrom(s.SecretsPath)

	return ConfigResponse{
		Port:               cfg.Port,
		LanEnabled:         cfg.LanEnabled,
		Host:               cfg.Host,
		RetentionDays:      cfg.RetentionDays,
		Pipeline:           cfg.Pipeline,
		PostgresConfigured: !sec.PostgresURL.IsEmpty(),
		AMQPConfigured:     !sec.AMQPURL.IsEmpty(),
	}
}

// UpdateConfig validates and saves the changes. Every change takes effect on
// restart.
func (s ConfigService) UpdateConfig(ctx context.Context, req ConfigUpdateRequest) (ConfigUpdateResponse, error) {
	cfg, err := config.LoadConfigFrom(s.ConfigPath)
	if err != nil {
		return ConfigUpdateResponse{}, fmt.Errorf("load config: %w", err)
	}

	sec, status, err := config.LoadSecretsFrom(s.SecretsPath)
	if err != nil && status == config.SecretsFallback {
		return ConfigUpdateResponse{}, fmt.Errorf("load secrets: %w", err)
	}

	originalPort := cfg.Port
	configChanged := false
	secretsChanged := false

	if req.Port != nil {
		if *req.Port < 1 || *req.Port > 65535 {
			return ConfigUpdateResponse{}, fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidConfig)
		}
		cfg.Port = *req.Port
		configChanged = true
	}
	if req.LanEnabled != nil {
		cfg.LanEnabled = *req.LanEnabled
		configChanged = true
	}
	if req.Host != nil {
		cfg.Host = *req.Host
		configChanged = true
	}
	if req.RetentionDays != nil {
		if *req.RetentionDays < 0 {
			return ConfigUpdateResponse{}, fmt.Errorf("%w: retention_days must be non-negative", ErrInvalidConfig)
		}
		cfg.RetentionDays = *req.RetentionDays
		configChanged = true
	}
	if req.IdentityTTLSec != nil {
		if *req.IdentityTTLSec < -1 {
			return ConfigUpdateResponse{}, fmt.Errorf("%w: identity_ttl_sec must be -1 or more", ErrInvalidConfig)
		}
		cfg.Pipeline.IdentityTTLSec = *req.IdentityTTLSec
		configChanged = true
	}
	if req.ViewerWriteSec != nil {
		if *req.ViewerWriteSec < 1 {
			return ConfigUpdateResponse{}, fmt.Errorf("%w: viewer_write_sec must be positive", ErrInvalidConfig)
		}
		cfg.Pipeline.ViewerWriteSec = *req.ViewerWriteSec
		configChanged = true
	}

	if req.PostgresURL != nil {
		if err := validateURL(*req.PostgresURL, "postgres", "postgresql"); err != nil {
			return ConfigUpdateResponse{}, err
		}
		sec.PostgresURL = config.Secret(*req.PostgresURL)
		secretsChanged = true
	}
	if req.AMQPURL != nil {
		if err := validateURL(*req.AMQPURL, "amqp", "amqps"); err != nil {
			return ConfigUpdateResponse{}, err
		}
		sec.AMQPURL = config.Secret(*req.AMQPURL)
		secretsChanged = true
	}

	if configChanged {
		if err := config.SaveConfigTo(cfg, s.ConfigPath); err != nil {
			return ConfigUpdateResponse{}, fmt.Errorf("save config: %w", err)
		}
	}
	if secretsChanged {
		if err := config.SaveSecretsTo(sec, s.SecretsPath); err != nil {
			return ConfigUpdateResponse{}, fmt.Errorf("save secrets: %w", err)
		}
	}

	resp := ConfigUpdateResponse{
		Success:         true,
		RestartRequired: configChanged || secretsChanged,
	}
	if cfg.Port != originalPort {
		resp.NewPort = cfg.Port
	}
	return resp, nil
}

// validateURL accepts an empty string (clears the setting) or a URL with one
// of the given schemes.
func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed url", ErrInvalidConfig)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%w: url scheme must be %s", ErrInvalidConfig, schemes[0])
}
