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

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presqt/presqt/engine"
	"github.com/presqt/presqt/fetch"
	"github.com/presqt/presqt/fixity"
	"github.com/presqt/presqt/metrics"
	"github.com/presqt/presqt/target"
	"github.com/presqt/presqt/ticket"
)

// apiBackend is a minimal in-memory target for handler tests.
type apiBackend struct {
	resources []target.Resource
	files     []target.DownloadedFile
}

func (b *apiBackend) ListResources(ctx context.Context, token string) ([]target.Resource, error) {
	return b.resources, nil
}

func (b *apiBackend) FetchResource(ctx context.Context, token, id string) (*target.Resource, error) {
	return &target.Resource{ID: id, Title: "Test Resource", Kind: target.KindContainer}, nil
}

func (b *apiBackend) DownloadResource(ctx context.Context, token, id string) (*target.DownloadResult, error) {
	return &target.DownloadResult{Files: b.files}, nil
}

func (b *apiBackend) FetchKeywords(ctx context.Context, token, id string) ([]string, error) {
	return []string{"water"}, nil
}

func (b *apiBackend) UploadKeywords(ctx context.Context, token, id string, keywords []string) error {
	return nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *apiBackend) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	viper.Reset()
	t.Cleanup(viper.Reset)

	dataDir := t.TempDir()
	viper.Set("Transfer.DataDir", dataDir)

	target.ResetRegistry()
	t.Cleanup(target.ResetRegistry)
	backend := &apiBackend{}
	target.Register("osf", backend)

	fetcher := fetch.NewWithClient(&http.Client{Timeout: 10 * time.Second}, 4, 100, 100)
	eng := engine.New(dataDir, 2, fetcher, nil, time.Second)
	t.Cleanup(eng.Shutdown)

	router := gin.New()
	metrics.ConfigureMetrics(router)
	RegisterAPI(router.Group("/api/v1"), eng)
	return router, backend
}

func doRequest(router *gin.Engine, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := map[string]any{}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "version")
}

func TestListTargetsReportsCapabilities(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodGet, "/api/v1/targets", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `"osf"`)
	assert.Contains(t, recorder.Body.String(), "resource_download")
}

func TestListResourcesRequiresToken(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodGet, "/api/v1/targets/osf/resources", nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Contains(t, body["error"], "presqt-source-token")
}

func TestListResources(t *testing.T) {
	router, backend := setupTestRouter(t)
	backend.resources = []target.Resource{
		{Kind: target.KindContainer, ID: "cmn5z", Title: "Test Project"},
	}
	recorder := doRequest(router, http.MethodGet, "/api/v1/targets/osf/resources",
		map[string]string{headerSourceToken: "tok"})
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "Test Project")
}

func TestUnknownTargetReturnsNotFound(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodGet, "/api/v1/targets/nowhere/resources",
		map[string]string{headerSourceToken: "tok"})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestDownloadJobRoundTrip(t *testing.T) {
	router, backend := setupTestRouter(t)
	content := []byte("file bytes")
	digest, err := fixity.Digest("md5", content)
	require.NoError(t, err)
	backend.files = []target.DownloadedFile{{
		Title:      "a.txt",
		Path:       "a.txt",
		SourcePath: "/P/a.txt",
		Hashes:     map[string]string{"md5": digest},
		Content:    content,
	}}

	headers := map[string]string{headerSourceToken: "round-trip-token"}
	recorder := doRequest(router, http.MethodPost, "/api/v1/targets/osf/resources/cmn5z/download", headers)
	require.Equal(t, http.StatusAccepted, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, ticket.DeriveID("round-trip-token"), body["ticket_number"])

	var status *httptest.ResponseRecorder
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status = doRequest(router, http.MethodGet, "/api/v1/jobs/download", headers)
		if status.Code != http.StatusAccepted {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, http.StatusOK, status.Code)
	statusBody := decodeBody(t, status)
	assert.Equal(t, "finished", statusBody["status"])
	assert.Equal(t, "Download successful", statusBody["message"])
	assert.Equal(t, float64(100), statusBody["job_percentage"])

	// The packed bundle is served once the job is finished
	archive := doRequest(router, http.MethodGet, "/api/v1/jobs/download/archive", headers)
	require.Equal(t, http.StatusOK, archive.Code)
	assert.Contains(t, archive.Header().Get("Content-Disposition"), "osf_download_cmn5z.zip")

	// Cancelling a finished job is rejected with the true terminal state
	cancel := doRequest(router, http.MethodPatch, "/api/v1/jobs/download", headers)
	require.Equal(t, http.StatusNotAcceptable, cancel.Code)
	cancelBody := decodeBody(t, cancel)
	assert.Equal(t, "finished", cancelBody["status"])
}

func TestJobStatusUnknownTicket(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodGet, "/api/v1/jobs/download",
		map[string]string{headerSourceToken: "never-submitted"})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestUploadRequiresArchive(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodPost, "/api/v1/targets/osf/resources/upload",
		map[string]string{headerDestinationToken: "tok"})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Contains(t, body["error"], uploadFormField)
}

func TestUploadRejectsBadDuplicatePolicy(t *testing.T) {
	router, _ := setupTestRouter(t)

	payload := &bytes.Buffer{}
	writer := multipart.NewWriter(payload)
	part, err := writer.CreateFormFile(uploadFormField, "bundle.zip")
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a zip"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/targets/osf/resources/upload", payload)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set(headerDestinationToken, "tok")
	req.Header.Set(headerDuplicateAction, "overwrite")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	require.Equal(t, http.StatusBadRequest, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Contains(t, body["error"], "presqt-file-duplicate-action")
}

func TestHistoryWithoutStoreRejected(t *testing.T) {
	router, _ := setupTestRouter(t)
	recorder := doRequest(router, http.MethodGet, "/api/v1/jobs/history", nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Contains(t, body["error"], "history")
}

func TestMetricsEndpointServesScrapes(t *testing.T) {
	router, _ := setupTestRouter(t)

	// Drive one instrumented request so the request counter has data
	doRequest(router, http.MethodGet, "/api/v1/targets", nil)

	recorder := doRequest(router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := recorder.Body.String()
	assert.Contains(t, body, "presqt_fixity_failures_total")
	assert.Contains(t, body, "gin_requests_total")
}
