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

package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/presqt/presqt/config"
	"github.com/presqt/presqt/logging"
	"github.com/presqt/presqt/version"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "presqt",
		Short: "Move research data between repository services",
		Long: `The presqt service transfers research data between repository
backends (OSF, GitHub, GitLab, Zenodo, and others), verifying file
fixity along the way and carrying a provenance trail with every
transferred bundle.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				os.Setenv("PRESQT_CONFIG_FILE", cfgFile)
			}
			if err := config.Init(); err != nil {
				return err
			}
			return logging.Setup()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Version:", version.GetVersion())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.presqt/presqt.yaml)")
	rootCmd.PersistentFlags().StringP("log", "d", "", "location of the log file")
	if err := viper.BindPFlag("Logging.File", rootCmd.PersistentFlags().Lookup("log")); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command tree.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		log.Errorln(err)
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}
