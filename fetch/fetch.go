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

// Package fetch implements the bounded concurrent HTTP fan-out used by the
// engine and by adapters to resolve paginated listings and bulk file
// downloads against target APIs.
//
// The idiom throughout is a two-phase fan-out: page 1 is issued
// synchronously to learn the total page count, then pages 2..N go out
// concurrently and are concatenated in page order.  Results always come
// back in request order.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/presqt/presqt/config"
	"github.com/presqt/presqt/error_codes"
)

// Response is the outcome of one request in a batch.  Skipped is set when
// the caller's skip predicate marked a failing status as an expected,
// non-fatal condition (e.g. a forbidden sibling inside a listable
// collection); the body is empty in that case.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
	Skipped    bool
}

// SkipFunc decides whether a failing status on one item of a batch is an
// expected condition to skip rather than a batch-fatal error.
type SkipFunc func(statusCode int) bool

// Client issues batched requests against a target API with a shared rate
// limit and concurrency bound.
type Client struct {
	httpClient  *http.Client
	limiter     *rate.Limiter
	concurrency int
}

// New builds a Client from the Transfer.* configuration parameters, using
// the process-wide transport.
func New() *Client {
	rps := viper.GetFloat64("Transfer.RequestsPerSecond")
	if rps <= 0 {
		rps = 50
	}
	burst := viper.GetInt("Transfer.RequestBurst")
	if burst <= 0 {
		burst = 20
	}
	concurrency := viper.GetInt("Transfer.FanoutConcurrency")
	if concurrency <= 0 {
		concurrency = 10
	}
	return NewWithClient(
		&http.Client{
			Transport: config.GetTransport(),
			Timeout:   viper.GetDuration("Transfer.RequestTimeout"),
		},
		concurrency, rps, burst,
	)
}

// NewWithClient builds a Client around an explicit http.Client; used by
// tests and by adapters that need custom transport behavior.
func NewWithClient(hc *http.Client, concurrency int, rps float64, burst int) *Client {
	return &Client{
		httpClient:  hc,
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		concurrency: concurrency,
	}
}

// statusToError maps a target API status code onto the engine's taxonomy.
func statusToError(statusCode int, url string) error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return error_codes.NewUnauthorized("Token is invalid. Response returned a 401 status code.")
	case statusCode == http.StatusForbidden:
		return error_codes.NewForbidden(fmt.Sprintf("User does not have access to this resource with the token provided. (%s)", url))
	case statusCode == http.StatusNotFound:
		return error_codes.NewNotFound(fmt.Sprintf("The resource could not be found at %s", url))
	case statusCode == http.StatusGone:
		return error_codes.NewGone("The requested resource is no longer available.")
	case statusCode >= 500:
		return error_codes.NewUpstream(statusCode, fmt.Sprintf("The target server could not process the request for %s", url))
	default:
		return error_codes.NewUpstream(statusCode, fmt.Sprintf("Unexpected status from %s", url))
	}
}

// Get issues one request with the caller-held credential, mapping any
// non-2xx status onto the error taxonomy.
func (c *Client) Get(ctx context.Context, token, url string) (Response, error) {
	return c.get(ctx, token, url, nil)
}

func (c *Client) get(ctx context.Context, token, url string, skip SkipFunc) (Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, errors.Wrapf(err, "failed to construct request for %s", url)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, errors.Wrapf(err, "request to %s failed", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if skip != nil && skip(resp.StatusCode) {
			log.Debugf("Skipping %s (status %d)", url, resp.StatusCode)
			return Response{URL: url, StatusCode: resp.StatusCode, Skipped: true}, nil
		}
		return Response{}, statusToError(resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, errors.Wrapf(err, "failed reading response body from %s", url)
	}
	return Response{URL: url, StatusCode: resp.StatusCode, Body: body}, nil
}

// Fanout issues every URL concurrently and returns the responses in
// request order: result[i] corresponds to urls[i].  A failing request not
// covered by skip aborts the whole batch.
func (c *Client) Fanout(ctx context.Context, token string, urls []string, skip SkipFunc) ([]Response, error) {
	results := make([]Response, len(urls))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.concurrency)
	for idx, url := range urls {
		idx, url := idx, url
		group.Go(func() error {
			resp, err := c.get(groupCtx, token, url, skip)
			if err != nil {
				return err
			}
			results[idx] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TotalPagesFunc extracts the total page count from the first page of a
// paginated listing.
type TotalPagesFunc func(firstPage Response) (int, error)

// Paginated resolves a full paginated listing.  Page 1 is fetched
// synchronously to discover the page count; pages 2..N are fanned out and
// the responses are returned concatenated in page order.
func (c *Client) Paginated(ctx context.Context, token string, pageURL func(page int) string, totalPages TotalPagesFunc) ([]Response, error) {
	first, err := c.Get(ctx, token, pageURL(1))
	if err != nil {
		return nil, err
	}

	total, err := totalPages(first)
	if err != nil {
		return nil, errors.Wrap(err, "failed to determine total page count")
	}
	if total <= 1 {
		return []Response{first}, nil
	}

	urls := make([]string, 0, total-1)
	for page := 2; page <= total; page++ {
		urls = append(urls, pageURL(page))
	}
	rest, err := c.Fanout(ctx, token, urls, nil)
	if err != nil {
		return nil, err
	}
	return append([]Response{first}, rest...), nil
}
