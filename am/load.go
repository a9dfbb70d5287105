package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/teranos/metronome/errors"
)

// ConfigEnvVar names a single config file that replaces the search path
const ConfigEnvVar = "METRONOME_CONFIG"

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the metronome configuration. The result is cached until Reset.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViper()
	if err != nil {
		return nil, err
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the merged Viper instance behind Load
func GetViper() (*viper.Viper, error) {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, ignoring the
// environment.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if err := mergeFile(v, configPath); err != nil {
		return nil, err
	}
	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.WithDetail(err, "Config file: "+configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing and reload)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// initViper layers defaults, config files and the environment. A config file
// that exists but does not parse is an error, never silently skipped.
func initViper() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}

	// .env in the working directory is optional; real env vars win
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("METRONOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindEnvVars(v)
	SetDefaults(v)

	if explicit := os.Getenv(ConfigEnvVar); explicit != "" {
		if err := mergeFile(v, explicit); err != nil {
			return nil, errors.WithHintf(err, "%s points at a file that cannot be read", ConfigEnvVar)
		}
	} else {
		// system -> user -> project, later files win
		for _, path := range ConfigPaths() {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := mergeFile(v, path); err != nil {
				return nil, err
			}
		}
	}

	viperInstance = v
	return v, nil
}

func mergeFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.MergeInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}

// findProjectConfig walks up from the working directory looking for am.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ConfigPaths lists candidate config files, lowest precedence first.
// METRONOME_CONFIG, when set, is the only candidate.
func ConfigPaths() []string {
	if explicit := os.Getenv(ConfigEnvVar); explicit != "" {
		return []string{explicit}
	}
	paths := []string{"/etc/metronome/am.toml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".metronome", "am.toml"))
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		paths = append(paths, projectConfig)
	}
	return paths
}

// ActiveConfigPath returns the highest-precedence config file that exists,
// or "" when only defaults and env vars are in effect.
func ActiveConfigPath() string {
	paths := ConfigPaths()
	for i := len(paths) - 1; i >= 0; i-- {
		if _, err := os.Stat(paths[i]); err == nil {
			return paths[i]
		}
	}
	return ""
}
