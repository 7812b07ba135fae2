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

// Package agent exposes the transfer engine over HTTP.  It owns header
// parsing, multipart intake, and the JSON/attachment response shapes;
// all job semantics live in the engine package.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/presqt/presqt/engine"
	"github.com/presqt/presqt/metrics"
)

// Server wires the HTTP listener to one transfer engine.
type Server struct {
	engine *engine.Engine
	srv    *http.Server
}

// NewServer builds the router and its backing listener from viper config.
func NewServer(eng *engine.Engine) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())
	metrics.ConfigureMetrics(router)

	RegisterAPI(router.Group("/api/v1"), eng)

	addr := fmt.Sprintf("%s:%d", viper.GetString("Server.Address"), viper.GetInt("Server.Port"))
	return &Server{
		engine: eng,
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Serve runs the listener until ctx is cancelled, then drains in-flight
// requests and shuts the engine down.
func (s *Server) Serve(ctx context.Context) error {
	egrp, ctx := errgroup.WithContext(ctx)

	egrp.Go(func() error {
		log.Infoln("Transfer service listening on", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "HTTP server failed")
		}
		return nil
	})

	egrp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.Warningln("Forced HTTP shutdown:", err)
		}
		s.engine.Shutdown()
		return nil
	})

	return egrp.Wait()
}

// requestLogger emits one structured line per request in the service's
// usual log format.
func requestLogger() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		log.WithFields(log.Fields{
			"method":  ctx.Request.Method,
			"path":    ctx.Request.URL.Path,
			"status":  ctx.Writer.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("Handled request")
	}
}
