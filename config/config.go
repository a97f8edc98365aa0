package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/oraclewatch/oo-indexer/oraclesync"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const (
	// FlagCfg is the flag for the config file path.
	FlagCfg = "cfg"

	EnvVarPrefix = "OOIDX"
	ConfigType   = "toml"
)

// Config is the full configuration of the indexer, loaded from a TOML file
// with environment variable overrides.
type Config struct {
	// Configure log level for all the services, allow also to store the logs in a file
	Log log.Config
	// DBPath is the sqlite file holding records and sync state
	DBPath string
	// MetricsAddr is the listen address of the metrics and health HTTP server,
	// empty disables it
	MetricsAddr string
	// Instances are the sync targets, one per (chain, contract set)
	Instances []oraclesync.Config
}

// Load loads the configuration from the file named by the cfg flag. A
// missing flag loads defaults only.
func Load(ctx *cli.Context) (*Config, error) {
	configFilePath := ctx.String(FlagCfg)
	content := ""
	if configFilePath != "" {
		b, err := os.ReadFile(configFilePath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFilePath, err)
		}
		content = string(b)
	}
	return LoadFromString(content)
}

// LoadFromString parses a TOML document merged over the default values.
func LoadFromString(configData string) (*Config, error) {
	cfg := &Config{}
	if err := loadString(cfg, configData, true); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadString(cfg *Config, configData string, allowEnvVars bool) error {
	viper.SetConfigType(ConfigType)
	if allowEnvVars {
		replacer := strings.NewReplacer(".", "_")
		viper.SetEnvKeyReplacer(replacer)
		viper.SetEnvPrefix(EnvVarPrefix)
		viper.AutomaticEnv()
	}
	if err := viper.ReadConfig(bytes.NewBufferString(DefaultValues)); err != nil {
		return fmt.Errorf("error reading default config: %w", err)
	}
	if configData != "" {
		if err := viper.MergeConfig(bytes.NewBufferString(configData)); err != nil {
			return fmt.Errorf("error merging config: %w", err)
		}
	}
	decodeHooks := []viper.DecoderConfigOption{
		// this allows arrays to be decoded from env var separated by ",", example: MY_VAR="value1,value2,value3"
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(), mapstructure.StringToSliceHookFunc(","))),
	}
	if err := viper.Unmarshal(cfg, decodeHooks...); err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}
	return nil
}
