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

// Package ticket implements the durable job ticket: one directory per
// caller credential holding the process info record that a background
// worker mutates and polling clients read.
package ticket

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Action keys the process info record inside a ticket.
type Action string

const (
	ActionDownload Action = "resource_download"
	ActionUpload   Action = "resource_upload"
)

// DeriveID maps a caller's credential to its ticket id.  The hash is
// stable so repeated requests from the same caller reuse the same ticket
// directory.
func DeriveID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Dir returns (and creates) the ticket directory for a credential.
func Dir(dataDir, token string) (string, error) {
	dir := filepath.Join(dataDir, DeriveID(token))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", errors.Wrap(err, "failed to create ticket directory")
	}
	return dir, nil
}

// Exists reports whether a ticket directory with a process info record is
// present for the credential.
func Exists(dataDir, token string) bool {
	_, err := os.Stat(filepath.Join(dataDir, DeriveID(token), processInfoFileName))
	return err == nil
}
