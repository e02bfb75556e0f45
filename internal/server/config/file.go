package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/dmitrijs2005/identitykeeper/internal/flagx"
)

// configDir holds per-environment files (config/<environment>.yaml).
var configDir = "config"

// parseFile overlays values from a YAML file and from APP_* environment
// variables.
//
// The file is taken from the -c/-config flag; without it,
// config/<environment>.yaml is used when present. An explicitly named file
// must exist. Environment variables are applied on top of the file (or of
// the defaults when there is no file).
func parseFile(cfg *Config, args []string) error {
	path := flagx.ConfigFileFlag(args)
	explicit := path != ""

	if !explicit {
		path = filepath.Join(configDir, cfg.Environment+".yaml")
	}

	if _, err := os.Stat(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return nil
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}
