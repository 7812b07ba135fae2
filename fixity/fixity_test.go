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

package fixity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckMatchingHash(t *testing.T) {
	content := []byte("the quick brown fox")
	digest := sha256.Sum256(content)

	result := Check(content, map[string]string{
		"sha256": hex.EncodeToString(digest[:]),
	})

	assert.True(t, result.Fixity)
	assert.Equal(t, "sha256", result.HashAlgorithm)
	assert.Equal(t, result.SourceHash, result.PresqtHash)
	assert.Contains(t, result.Details, "matched")
}

func TestCheckMismatchedHash(t *testing.T) {
	result := Check([]byte("actual content"), map[string]string{
		"md5": "0123456789abcdef0123456789abcdef",
	})

	assert.False(t, result.Fixity)
	assert.Equal(t, "md5", result.HashAlgorithm)
	assert.Contains(t, result.Details, "did not match")
	assert.NotContains(t, result.Details, "not supported")
}

// An unverifiable check is a "could not verify", not a "verification
// failed"; the two must stay distinguishable.
func TestCheckNoCommonAlgorithm(t *testing.T) {
	tests := []struct {
		name   string
		hashes map[string]string
	}{
		{"unsupported algorithm", map[string]string{"blake2b": "abc123"}},
		{"empty digest", map[string]string{"sha256": ""}},
		{"no hashes", map[string]string{}},
		{"nil map", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := []byte("some file body")
			result := Check(content, tt.hashes)

			assert.False(t, result.Fixity)
			assert.Equal(t, "md5", result.HashAlgorithm)
			assert.Empty(t, result.SourceHash)
			assert.NotEmpty(t, result.PresqtHash)
			assert.Contains(t, result.Details, "identification purposes only")
			assert.NotContains(t, result.Details, "did not match")
		})
	}
}

// Only one algorithm is checked per file, even when the source offers
// several.
func TestCheckSingleAlgorithmSelected(t *testing.T) {
	content := []byte("data")
	md5Hash, err := Digest("md5", content)
	require.NoError(t, err)

	result := Check(content, map[string]string{
		"md5":    md5Hash,
		"sha256": "deliberately-wrong",
	})

	assert.True(t, result.Fixity)
	assert.Equal(t, "md5", result.HashAlgorithm)
}

func TestDigestUnsupported(t *testing.T) {
	_, err := Digest("crc32", []byte("x"))
	assert.Error(t, err)
}

func TestCaseSensitiveComparison(t *testing.T) {
	content := []byte("case matters")
	md5Hash, err := Digest("md5", content)
	require.NoError(t, err)

	result := Check(content, map[string]string{"md5": md5Hash})
	require.True(t, result.Fixity)

	upper := Check(content, map[string]string{"md5": toUpper(md5Hash)})
	assert.False(t, upper.Fixity)
	assert.Contains(t, upper.Details, "did not match")
}

func toUpper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
