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

package error_codes

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"validation", NewValidation("bad request"), http.StatusBadRequest},
		{"unauthorized", NewUnauthorized("token rejected"), http.StatusUnauthorized},
		{"forbidden", NewForbidden("no access"), http.StatusForbidden},
		{"not found", NewNotFound("no such resource"), http.StatusNotFound},
		{"gone", NewGone("resource deleted upstream"), http.StatusGone},
		{"upstream", NewUpstream(503, "backend unavailable"), http.StatusInternalServerError},
		{"format", NewFormat("Files exist at the top level"), http.StatusBadRequest},
		{"cancelled", NewCancelled("resource_download"), StatusCodeCancelled},
		{"unclassified", errors.New("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, StatusCode(tt.err))
		})
	}
}

func TestUpstreamStatusEmbeddedInMessage(t *testing.T) {
	err := NewUpstream(502, "listing failed")
	assert.Contains(t, err.Message, "upstream status 502")
}

func TestCancelledMessage(t *testing.T) {
	err := NewCancelled("resource_upload")
	assert.Equal(t, "resource_upload was cancelled by the user", err.Message)
}

func TestWrappedErrorsKeepClassification(t *testing.T) {
	base := NewGone("snapshot withdrawn")
	wrapped := errors.Wrap(base.Wrap(errors.New("410 from API")), "fetching resource")

	te, ok := AsTransferError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindGone, te.Kind)
	assert.Equal(t, http.StatusGone, StatusCode(wrapped))
	assert.True(t, IsKind(wrapped, KindGone))
	assert.False(t, IsKind(wrapped, KindNotFound))
}
