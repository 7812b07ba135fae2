/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package config initializes and exposes the viper-backed configuration
// for the transfer service.  Parameters may come from a YAML config file
// ($HOME/.presqt/config.yaml or $PRESQT_CONFIG_FILE), from PRESQT_*
// environment variables, or from defaults set here.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

func Init() error {
	viper.SetDefault("Server.Address", "127.0.0.1")
	viper.SetDefault("Server.Port", 8077)

	viper.SetDefault("Transfer.DataDir", defaultDataDir())
	viper.SetDefault("Transfer.Workers", 4)
	viper.SetDefault("Transfer.FanoutConcurrency", 10)
	viper.SetDefault("Transfer.RequestsPerSecond", 50)
	viper.SetDefault("Transfer.RequestBurst", 20)
	viper.SetDefault("Transfer.RequestTimeout", 90*time.Second)
	viper.SetDefault("Transfer.ListingCacheTTL", 30*time.Second)

	viper.SetDefault("Store.Path", filepath.Join(defaultDataDir(), "history.db"))
	viper.SetDefault("Store.Enabled", true)

	viper.SetDefault("Logging.Level", "info")

	viper.SetEnvPrefix("PRESQT")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.presqt")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
		// Do not fail if the config file is missing
	}

	if envConfig := os.Getenv("PRESQT_CONFIG_FILE"); envConfig != "" {
		fp, err := os.Open(envConfig)
		if err != nil {
			return err
		}
		defer fp.Close()
		if err = viper.ReadConfig(fp); err != nil {
			return err
		}
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "presqt")
	}
	return filepath.Join(home, ".presqt", "data")
}

// TransferDataDir returns the directory holding ticket directories and
// staged bundles, creating it if necessary.
func TransferDataDir() (string, error) {
	dir := viper.GetString("Transfer.DataDir")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}
