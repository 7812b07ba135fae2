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

package logging

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var (
	logFileHandle *os.File
	setupMutex    sync.Mutex
)

// Setup configures the global logrus logger from the Logging.* parameters.
// Safe to call more than once; later calls reconfigure the logger.
func Setup() error {
	setupMutex.Lock()
	defer setupMutex.Unlock()

	levelStr := viper.GetString("Logging.Level")
	if levelStr == "" {
		levelStr = "info"
	}
	level, err := log.ParseLevel(levelStr)
	if err != nil {
		return errors.Wrapf(err, "unknown log level %q", levelStr)
	}
	log.SetLevel(level)

	if viper.GetBool("Logging.DisableTimestamps") {
		log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	logFile := viper.GetString("Logging.File")
	if logFile == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	if err = os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create log directory for %s", logFile)
	}
	fp, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return errors.Wrapf(err, "failed to open log file %s", logFile)
	}
	if logFileHandle != nil {
		logFileHandle.Close()
	}
	logFileHandle = fp
	log.SetOutput(io.MultiWriter(os.Stderr, fp))
	return nil
}

// Close releases the log file handle, if one is open.  Intended for use at
// process shutdown and in tests.
func Close() {
	setupMutex.Lock()
	defer setupMutex.Unlock()
	if logFileHandle != nil {
		logFileHandle.Close()
		logFileHandle = nil
		log.SetOutput(os.Stderr)
	}
}
