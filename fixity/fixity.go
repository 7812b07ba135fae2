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

// Package fixity verifies that transferred content matches its source
// byte-for-byte by recomputing and comparing one content hash per file.
package fixity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
)

// The hash algorithms the checker can recompute locally, in preference
// order.  Exactly one algorithm is checked per file: the first in this
// list for which the source supplied a digest.
var supportedAlgorithms = []string{"md5", "sha1", "sha256", "sha512"}

var constructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

const (
	detailMatch = "Source hash matched the recomputed hash"

	// A failed comparison and a comparison that could not be performed
	// are distinct outcomes; downstream consumers (and tests) rely on
	// the wording difference.
	detailMismatch    = "Source hash did not match the recomputed hash"
	detailUnavailable = "Either a hash was not provided or the hash algorithm used by the source is not supported. A md5 hash was calculated for identification purposes only, so fixity was not verified"
)

// Result is the outcome of checking one file, in the shape recorded in
// the bundle manifest.
type Result struct {
	HashAlgorithm string `json:"hash_algorithm"`
	SourceHash    string `json:"source_hash"`
	PresqtHash    string `json:"presqt_hash"`
	Fixity        bool   `json:"fixity"`
	Details       string `json:"fixity_details"`
}

// Supported reports whether the checker can recompute the named algorithm.
func Supported(algorithm string) bool {
	_, ok := constructors[algorithm]
	return ok
}

// SupportedAlgorithms returns the checker's algorithm set in preference
// order.
func SupportedAlgorithms() []string {
	out := make([]string, len(supportedAlgorithms))
	copy(out, supportedAlgorithms)
	return out
}

// Digest computes the hex digest of content under the named algorithm.
func Digest(algorithm string, content []byte) (string, error) {
	ctor, ok := constructors[algorithm]
	if !ok {
		return "", fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	h := ctor()
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Check verifies content against the digests the source provided.
//
// The first supported algorithm with a non-empty source digest is
// recomputed over content and compared case-sensitively.  When no common
// algorithm exists (or every source digest is empty), an MD5 digest is
// computed purely so downstream code can identify the content, and the
// result is marked unverified rather than failed.
func Check(content []byte, sourceHashes map[string]string) Result {
	for _, algorithm := range supportedAlgorithms {
		sourceHash, ok := sourceHashes[algorithm]
		if !ok || sourceHash == "" {
			continue
		}
		presqtHash, _ := Digest(algorithm, content)
		result := Result{
			HashAlgorithm: algorithm,
			SourceHash:    sourceHash,
			PresqtHash:    presqtHash,
		}
		if presqtHash == sourceHash {
			result.Fixity = true
			result.Details = detailMatch
		} else {
			result.Details = detailMismatch
		}
		return result
	}

	presqtHash, _ := Digest("md5", content)
	return Result{
		HashAlgorithm: "md5",
		PresqtHash:    presqtHash,
		Fixity:        false,
		Details:       detailUnavailable,
	}
}
