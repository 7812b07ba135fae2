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
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/presqt/presqt/agent"
	"github.com/presqt/presqt/config"
	"github.com/presqt/presqt/engine"
	"github.com/presqt/presqt/fetch"
	"github.com/presqt/presqt/logging"
	"github.com/presqt/presqt/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transfer service",
	RunE:  serve,
}

func init() {
	serveCmd.Flags().Uint16P("port", "p", 0, "port for the HTTP listener")
}

func serve(cmd *cobra.Command, args []string) error {
	defer logging.Close()

	// An unchanged flag must not shadow the configured port, so the value
	// is only pushed into viper when the flag was actually given.
	if cmd.Flags().Changed("port") {
		port, err := cmd.Flags().GetUint16("port")
		if err != nil {
			return err
		}
		viper.Set("Server.Port", int(port))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir, err := config.TransferDataDir()
	if err != nil {
		return err
	}

	var history *store.Store
	if viper.GetBool("Store.Enabled") {
		history, err = store.NewStore(viper.GetString("Store.Path"))
		if err != nil {
			return err
		}
		defer history.Close()
	} else {
		log.Infoln("Job history store is disabled")
	}

	eng := engine.New(
		dataDir,
		viper.GetInt("Transfer.Workers"),
		fetch.New(),
		history,
		viper.GetDuration("Transfer.ListingCacheTTL"),
	)

	return agent.NewServer(eng).Serve(ctx)
}
