package flagcore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type errorBoundary struct {
	endpoint string
	client   *http.Client
	sdkKey   string
	seen     *lru.Cache
}

const defaultExceptionEndpoint = "https://flagcore.example.com/v1/sdk_exception"

// newErrorBoundary builds a boundary that reports each distinct panic/error
// signature once, deduping with a 256-entry LRU cache instead of a
// time-reset set: exceptions are rare enough that size-bounded, not
// time-bounded, eviction is the simpler invariant to reason about. A
// signature evicted from the cache is reported again if it recurs.
func newErrorBoundary(sdkKey, endpoint string) *errorBoundary {
	if endpoint == "" {
		endpoint = defaultExceptionEndpoint
	}
	cache, _ := lru.New(256)
	return &errorBoundary{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		sdkKey:   sdkKey,
		seen:     cache,
	}
}

type logExceptionRequestBody struct {
	Exception string `json:"exception"`
	Info      string `json:"info"`
}

// Capture runs task, recovering any panic and routing both panics and
// returned errors through the classification in errors.go (spec.md §4.7,
// §7): a silentlyRecoverable kind (LocalModeNetworkError) never reaches
// telemetry; every other kind is reported once per distinct signature.
// Capture always recovers — it never re-panics — but returns the error so a
// propagating kind (Uninitialized, InvalidArgument, TooManyRequests) can
// still be surfaced by the caller instead of silently defaulted.
func (e *errorBoundary) Capture(tag string, task func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			recErr := fmt.Errorf("panic in %s: %v", tag, r)
			e.report(tag, recErr)
			err = recErr
		}
	}()
	err = task()
	if err != nil {
		e.report(tag, err)
	}
	return err
}

func (e *errorBoundary) report(tag string, exception error) {
	var localMode *LocalModeNetworkError
	if errors.As(exception, &localMode) || errorKindOf(exception).silentlyRecoverable() {
		return
	}
	e.logException(tag, exception)
}

func (e *errorBoundary) logException(tag string, exception error) {
	key := tag + ":" + exception.Error()
	if e.seen != nil {
		if e.seen.Contains(key) {
			return
		}
		e.seen.Add(key, struct{}{})
	}

	stack := make([]byte, 4096)
	n := runtime.Stack(stack, false)
	body := logExceptionRequestBody{
		Exception: exception.Error(),
		Info:      string(stack[:n]),
	}
	Logger().LogError(exception)

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, e.endpoint, bytes.NewBuffer(bodyBytes))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("FLAGCORE-SDK-KEY", e.sdkKey)
	req.Header.Set("FLAGCORE-CLIENT-TIME", strconv.FormatInt(getUnixMilli(), 10))
	meta := getSDKMetadata()
	req.Header.Set("FLAGCORE-SDK-TYPE", meta.SDKType)
	req.Header.Set("FLAGCORE-SDK-VERSION", meta.SDKVersion)

	resp, err := e.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}
