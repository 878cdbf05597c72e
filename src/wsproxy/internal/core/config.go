package core

import (
	"fmt"
	"os"
	"path/filepath"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_envConfigDir     = "WSPROXY_CONFIG_DIR"
	_defaultConfigDir = "src/wsproxy/config"
	_metaFile         = "meta.yaml"
	_configKeyFiles   = "files"
)

// ConfigModule provides the merged configuration for the daemon.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// Config wraps the merged YAML provider under a stable provider name.
type Config struct {
	provider uber_config.Provider
}

// Get retrieves a value from the underlying provider.
func (c Config) Get(path string) uber_config.Value {
	return c.provider.Get(path)
}

// Name implements config.Provider.
func (c Config) Name() string {
	return "config"
}

// NewConfig loads meta.yaml from the config directory and merges the files it
// lists, in order, with environment variable expansion. Listed files that do
// not exist are skipped, so environment overlays stay optional.
func NewConfig() (uber_config.Provider, error) {
	configDir := getConfigDir()

	meta, err := uber_config.NewYAML(
		uber_config.File(filepath.Join(configDir, _metaFile)),
		uber_config.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var configFiles []string
	if err := meta.Get(_configKeyFiles).Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from meta.yaml: %w", err)
	}

	var options []uber_config.YAMLOption
	for _, file := range configFiles {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uber_config.File(fullPath))
		}
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return Config{provider: provider}, nil
}

// getConfigDir resolves the directory holding meta.yaml. The default assumes
// the daemon is launched from the workspace root.
func getConfigDir() string {
	if configDir := os.Getenv(_envConfigDir); configDir != "" {
		return configDir
	}
	return _defaultConfigDir
}
