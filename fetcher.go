package flagcore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Fetcher is the narrow collaborator the Store uses to reach the network.
// Retry/backoff policy, connection pooling tuning, and proxy configuration
// are a Fetcher implementation's business, not the Store's (SPEC_FULL.md
// §1); the default implementation here does only a fixed, small retry.
type Fetcher interface {
	DownloadConfigSpecs(ctx context.Context, sinceTime int64) (DownloadConfigSpecResponse, error)
	GetIDListSources(ctx context.Context) (map[string]IDListLookupEntry, error)
	GetIDList(ctx context.Context, url string, rangeStart int64, headers map[string]string) (*RangedBody, error)
}

// RangedBody is the result of a ranged GET against an ID list URL: the
// bytes actually returned (which may be a partial slice past rangeStart)
// plus the Content-Length the server reports for this response, which the
// ID list sync loop adds to the list's count of bytes already read.
type RangedBody struct {
	Data          []byte
	ContentLength int64
	StatusCode    int
}

const (
	defaultRetries = 2
	defaultBackoff = 500 * time.Millisecond
)

// httpFetcher is the default Fetcher, speaking plain HTTP(S) with gzip
// response handling and a small bounded retry, mirroring the shape of the
// teacher's transport without its full multi-endpoint/log_event surface
// (event logging transport is out of scope per SPEC_FULL.md §1).
type httpFetcher struct {
	api       string
	sdkKey    string
	client    *http.Client
	metadata  sdkMetadata
	localMode bool
}

func newHTTPFetcher(api, sdkKey string, transport http.RoundTripper, localMode bool) *httpFetcher {
	client := &http.Client{Timeout: 10 * time.Second}
	if transport != nil {
		client.Transport = transport
	}
	return &httpFetcher{
		api:       strings.TrimSuffix(api, "/"),
		sdkKey:    sdkKey,
		client:    client,
		metadata:  getSDKMetadata(),
		localMode: localMode,
	}
}

func (f *httpFetcher) buildRequest(ctx context.Context, method, path string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, f.api+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("FLAGCORE-SDK-KEY", f.sdkKey)
	req.Header.Set("FLAGCORE-CLIENT-TIME", strconv.FormatInt(getUnixMilli(), 10))
	req.Header.Set("FLAGCORE-SERVER-SESSION-ID", f.metadata.SessionID)
	req.Header.Set("Accept-Encoding", "gzip")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (f *httpFetcher) doWithRetry(req *http.Request) (*http.Response, error) {
	if f.localMode {
		return nil, &LocalModeNetworkError{Op: req.URL.Path}
	}
	backoff := defaultBackoff
	var lastErr error
	for attempt := 0; attempt <= defaultRetries; attempt++ {
		resp, err := f.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		if err == nil {
			status := resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if status == http.StatusTooManyRequests {
				return nil, &TooManyRequestsError{RetryAfter: resp.Header.Get("Retry-After")}
			}
			if !retryableStatusCode(status) {
				return nil, &TransportError{Endpoint: req.URL.String(), Err: fmt.Errorf("status %d", status)}
			}
			lastErr = fmt.Errorf("status %d", status)
		} else {
			lastErr = err
		}
		if attempt < defaultRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return nil, &TransportError{Endpoint: req.URL.String(), Err: lastErr}
}

func retryableStatusCode(code int) bool {
	switch code {
	case 408, 500, 502, 503, 504, 522, 524, 599:
		return true
	default:
		return false
	}
}

func decodeJSONBody(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gz.Close()
		reader = gz
	}
	return json.NewDecoder(reader).Decode(out)
}

func (f *httpFetcher) DownloadConfigSpecs(ctx context.Context, sinceTime int64) (DownloadConfigSpecResponse, error) {
	var out DownloadConfigSpecResponse
	path := fmt.Sprintf("/download_config_specs/%s.json?sinceTime=%d", f.sdkKey, sinceTime)
	req, err := f.buildRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	resp, err := f.doWithRetry(req)
	if err != nil {
		return out, err
	}
	if err := decodeJSONBody(resp, &out); err != nil {
		return out, newKindError(KindInvalidSpecs, fmt.Errorf("malformed download_config_specs response: %w", err))
	}
	return out, nil
}

func (f *httpFetcher) GetIDListSources(ctx context.Context) (map[string]IDListLookupEntry, error) {
	req, err := f.buildRequest(ctx, http.MethodPost, "/get_id_lists", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.doWithRetry(req)
	if err != nil {
		return nil, err
	}
	out := make(map[string]IDListLookupEntry)
	if err := decodeJSONBody(resp, &out); err != nil {
		return nil, newKindError(KindInvalidIDLists, fmt.Errorf("malformed get_id_lists response: %w", err))
	}
	return out, nil
}

func (f *httpFetcher) GetIDList(ctx context.Context, url string, rangeStart int64, headers map[string]string) (*RangedBody, error) {
	if f.localMode {
		return nil, &LocalModeNetworkError{Op: url}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if rangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	}
	resp, err := f.doWithRetry(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: url, Err: err}
	}
	contentLength := resp.ContentLength
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if parsed, err := strconv.ParseInt(cl, 10, 64); err == nil {
			contentLength = parsed
		}
	}
	return &RangedBody{Data: data, ContentLength: contentLength, StatusCode: resp.StatusCode}, nil
}
