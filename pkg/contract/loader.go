package contract

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const logPrefix = "contract:loader"

// EnvContractFile names the environment variable consulted by Load.
const EnvContractFile = "BRIDGE_CONTRACT_FILE"

// Load loads a contract from file paths or environment.
// It tries paths in order: first any paths passed in, then BRIDGE_CONTRACT_FILE, then defaults.
// When no file can be read the built-in demo contract is used.
func Load(log *slog.Logger, paths ...string) (*ContractConfig, error) {
	if log == nil {
		log = slog.Default()
	}
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvContractFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/contract.json", "contract.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg ContractConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Warn(fmt.Sprintf("%s - Failed to parse contract file %s: %v", logPrefix, p, err))
			continue
		}

		log.Info(fmt.Sprintf("%s - Loaded contract %q %s from %s", logPrefix, cfg.Name, cfg.Version, p))
		return &cfg, nil
	}

	log.Info(fmt.Sprintf("%s - Using default contract", logPrefix))
	return DefaultConfig(), nil
}

// DefaultConfig returns the built-in demo contract.
func DefaultConfig() *ContractConfig {
	return &ContractConfig{
		Name:        "bridge-demo",
		Version:     "1.0.0",
		Description: "Demo backend API and signals",
		Methods: []string{
			"add",
			"reset",
			"get_stored_data",
			"blocking_method",
			"twice_01",
			"twice_02",
			MethodStop,
			MethodPing,
		},
		Signals: []string{
			"add_result",
			"reset_ok",
			"stored_data",
			"blocking_method_ok",
			"twice_signal",
		},
	}
}

// MustDefault resolves the built-in demo contract; it panics only if DefaultConfig is broken.
func MustDefault() *Contract {
	c, err := Resolve(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return c
}
