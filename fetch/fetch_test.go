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

package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presqt/presqt/error_codes"
)

func testClient(hc *http.Client) *Client {
	return NewWithClient(hc, 5, 1000, 100)
}

func TestFanoutPreservesRequestOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "body-for-"+r.URL.Path)
	}))
	defer server.Close()

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = server.URL + "/item/" + strconv.Itoa(i)
	}

	client := testClient(server.Client())
	results, err := client.Fanout(context.Background(), "tok", urls, nil)
	require.NoError(t, err)
	require.Len(t, results, len(urls))
	for i, resp := range results {
		assert.Equal(t, "body-for-/item/"+strconv.Itoa(i), string(resp.Body))
	}
}

func TestFanoutSendsCredential(t *testing.T) {
	var sawToken atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer secret" {
			sawToken.Store(true)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.Client())
	_, err := client.Fanout(context.Background(), "secret", []string{server.URL}, nil)
	require.NoError(t, err)
	assert.True(t, sawToken.Load())
}

func TestFanoutAbortsOnUnexpectedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := testClient(server.Client())
	_, err := client.Fanout(context.Background(), "tok",
		[]string{server.URL + "/ok", server.URL + "/bad", server.URL + "/ok"}, nil)
	require.Error(t, err)
	assert.True(t, error_codes.IsKind(err, error_codes.KindUpstream))
	assert.Contains(t, err.Error(), "upstream status 502")
}

// A forbidden sibling inside a listable collection is skipped, not fatal.
func TestFanoutSkipsExpectedStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/private" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := testClient(server.Client())
	skipForbidden := func(status int) bool { return status == http.StatusForbidden }

	results, err := client.Fanout(context.Background(), "tok",
		[]string{server.URL + "/a", server.URL + "/private", server.URL + "/b"}, skipForbidden)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Skipped)
	assert.True(t, results[1].Skipped)
	assert.Empty(t, results[1].Body)
	assert.False(t, results[2].Skipped)
}

func TestGetMapsStatusCodes(t *testing.T) {
	tests := []struct {
		status int
		kind   error_codes.Kind
	}{
		{http.StatusUnauthorized, error_codes.KindUnauthorized},
		{http.StatusForbidden, error_codes.KindForbidden},
		{http.StatusNotFound, error_codes.KindNotFound},
		{http.StatusGone, error_codes.KindGone},
		{http.StatusServiceUnavailable, error_codes.KindUpstream},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			client := testClient(server.Client())
			_, err := client.Get(context.Background(), "tok", server.URL)
			require.Error(t, err)
			assert.True(t, error_codes.IsKind(err, tt.kind))
		})
	}
}

func TestPaginatedTwoPhaseFanout(t *testing.T) {
	const totalPages = 4
	var firstPageHits, bulkHits atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 1 {
			firstPageHits.Add(1)
		} else {
			bulkHits.Add(1)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"page":        page,
			"total_pages": totalPages,
		})
	}))
	defer server.Close()

	client := testClient(server.Client())
	pageURL := func(page int) string {
		return fmt.Sprintf("%s/listing?page=%d", server.URL, page)
	}
	parseTotal := func(first Response) (int, error) {
		var doc struct {
			TotalPages int `json:"total_pages"`
		}
		if err := json.Unmarshal(first.Body, &doc); err != nil {
			return 0, err
		}
		return doc.TotalPages, nil
	}

	results, err := client.Paginated(context.Background(), "tok", pageURL, parseTotal)
	require.NoError(t, err)
	require.Len(t, results, totalPages)
	assert.Equal(t, int32(1), firstPageHits.Load())
	assert.Equal(t, int32(totalPages-1), bulkHits.Load())

	// Concatenated in page order
	for i, resp := range results {
		var doc struct {
			Page int `json:"page"`
		}
		require.NoError(t, json.Unmarshal(resp.Body, &doc))
		assert.Equal(t, i+1, doc.Page)
	}
}

func TestPaginatedSinglePage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_pages": 1}`)
	}))
	defer server.Close()

	client := testClient(server.Client())
	results, err := client.Paginated(context.Background(), "tok",
		func(page int) string { return server.URL },
		func(first Response) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
