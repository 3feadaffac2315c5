//////////////////////////////////////////////////////////////////////////////
//
// Config contains configuration data for the key systems
//
// Copyright 2019 Lanikai Labs. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package alohacdm

import (
	"encoding/json"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
)

const (
	DefaultOperatorVaultPath = "/etc/alohacdm/operator.vault"
	DefaultLicensePath       = "/var/lib/alohacdm"
)

type Config struct {
	// Operator vault used by sessions whose init data carries no vault.
	OperatorVaultPath string `json:"operatorvault" env:"ALOHACDM_OPERATOR_VAULT"`

	// Directory of the engine's license and provisioning storage.
	LicensePath string `json:"licensepath" env:"ALOHACDM_LICENSE_PATH"`

	// Number of operator vaults kept in memory.
	VaultCacheSize int `json:"vaultcache" env:"ALOHACDM_VAULT_CACHE"`

	// Reload operator vaults when their files change.
	WatchVaults bool `json:"watchvaults" env:"ALOHACDM_WATCH_VAULTS"`
}

// DefaultConfig returns the configuration used for absent settings.
func DefaultConfig() Config {
	return Config{
		OperatorVaultPath: DefaultOperatorVaultPath,
		LicensePath:       DefaultLicensePath,
		VaultCacheSize:    4,
	}
}

// ParseConfig reads the host's JSON configuration line, e.g.
//
//	{"operatorvault":"/etc/vault.bin","licensepath":"/var/lib/cdm"}
//
// and applies ALOHACDM_* environment overrides on top. An empty line yields
// the defaults.
func ParseConfig(line string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(line) != "" {
		if err := json.Unmarshal([]byte(line), &cfg); err != nil {
			return cfg, errors.Wrap(err, "parse configuration line")
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return cfg, errors.Wrap(err, "read configuration environment")
	}
	if cfg.OperatorVaultPath == "" {
		return cfg, errors.New("operatorvault must not be empty")
	}
	return cfg, nil
}
