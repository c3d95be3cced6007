package wopi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderTimestamp        = "X-LOOL-WOPI-Timestamp"
	HeaderIsAutosave       = "X-LOOL-WOPI-IsAutosave"
	HeaderIsModifiedByUser = "X-LOOL-WOPI-IsModifiedByUser"
	HeaderOverride         = "X-WOPI-Override"
	HeaderSuggestedTarget  = "X-WOPI-SuggestedTarget"
	HeaderRequestedName    = "X-WOPI-RequestedName"
	HeaderItemVersion      = "X-WOPI-ItemVersion"
	HeaderCorrelationID    = "X-Correlation-Id"

	// StatusDocChanged is the LOOLStatusCode a host puts in a 409 body when
	// the document changed since the supplied timestamp.
	StatusDocChanged = 1010
)

const (
	opCheckInfo = "checkinfo"
	opFetch     = "fetch"
	opStore     = "store"
	opStoreAs   = "storeas"
)

type Result int

const (
	ResultSuccess Result = iota + 1
	ResultConflict
	ResultFailure
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultConflict:
		return "conflict"
	case ResultFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Outcome is the result of one store call. On success Token is the new host
// token; on conflict it is the host's current token when the host reported
// one.
type Outcome struct {
	Result Result
	Token  VersionToken
	Err    *Error
}

// StoreRequest uploads Data. A zero Token makes the store forced: the host
// overwrites unconditionally.
type StoreRequest struct {
	Data             []byte
	Token            VersionToken
	IsAutosave       bool
	IsModifiedByUser bool
}

func (r StoreRequest) Forced() bool {
	return r.Token.IsZero()
}

type StoreAsMode int

const (
	StoreAsCopy StoreAsMode = iota + 1
	StoreAsRename
)

func (m StoreAsMode) String() string {
	switch m {
	case StoreAsCopy:
		return "PUT_RELATIVE"
	case StoreAsRename:
		return "RENAME_FILE"
	default:
		return ""
	}
}

type StoreAsRequest struct {
	Data []byte
	Name string
	Mode StoreAsMode
}

type Client interface {
	CheckInfo(ctx context.Context, src string) (FileInfo, error)
	Fetch(ctx context.Context, src string) (Content, error)
	Store(ctx context.Context, src string, req StoreRequest) Outcome
	StoreAs(ctx context.Context, src string, req StoreAsRequest) (Location, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type ClientOptions struct {
	HTTPClient *http.Client
	// Timeout bounds every request when HTTPClient is nil.
	Timeout time.Duration
	// ReadRetries bounds transport retries of CheckInfo and Fetch. Store and
	// StoreAs are never retried here.
	ReadRetries int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      Logger
}

type HTTPClient struct {
	httpClient  *http.Client
	readRetries int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      Logger
}

func NewHTTPClient(opts ClientOptions) *HTTPClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	readRetries := opts.ReadRetries
	if readRetries < 0 {
		readRetries = 0
	}
	return &HTTPClient{
		httpClient:  httpClient,
		readRetries: readRetries,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		logger:      opts.Logger,
	}
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *HTTPClient) CheckInfo(ctx context.Context, src string) (FileInfo, error) {
	resp, err := c.do(ctx, opCheckInfo, http.MethodGet, src, nil, nil, c.readRetries)
	if err != nil {
		return FileInfo{}, err
	}
	if !isSuccess(resp.status) {
		return FileInfo{}, statusError(opCheckInfo, resp.status, errorMessage(resp.body))
	}
	var payload checkFileInfoPayload
	if err := decodeValidated(checkFileInfoSchemaURL, resp.body, &payload); err != nil {
		return FileInfo{}, malformedError(opCheckInfo, resp.status, err)
	}
	return payload.fileInfo(), nil
}

func (c *HTTPClient) Fetch(ctx context.Context, src string) (Content, error) {
	target, err := contentsURL(src)
	if err != nil {
		return Content{}, &Error{Op: opFetch, Kind: KindStorage, Err: err}
	}
	resp, wopiErr := c.do(ctx, opFetch, http.MethodGet, target, nil, nil, c.readRetries)
	if wopiErr != nil {
		return Content{}, wopiErr
	}
	if !isSuccess(resp.status) {
		return Content{}, statusError(opFetch, resp.status, errorMessage(resp.body))
	}
	token := NewVersionToken(resp.header.Get(HeaderItemVersion))
	if token.IsZero() {
		token = NewVersionToken(resp.header.Get("Last-Modified"))
	}
	return Content{Data: resp.body, Token: token}, nil
}

func (c *HTTPClient) Store(ctx context.Context, src string, req StoreRequest) Outcome {
	target, err := contentsURL(src)
	if err != nil {
		return Outcome{Result: ResultFailure, Err: &Error{Op: opStore, Kind: KindStorage, Err: err}}
	}
	headers := map[string]string{
		"Content-Type":         "application/octet-stream",
		HeaderIsAutosave:       strconv.FormatBool(req.IsAutosave),
		HeaderIsModifiedByUser: strconv.FormatBool(req.IsModifiedByUser),
	}
	if !req.Forced() {
		headers[HeaderTimestamp] = req.Token.String()
	}
	resp, wopiErr := c.do(ctx, opStore, http.MethodPost, target, headers, req.Data, 0)
	if wopiErr != nil {
		return Outcome{Result: ResultFailure, Err: wopiErr}
	}

	switch {
	case isSuccess(resp.status):
		var payload storeResponse
		if len(bytes.TrimSpace(resp.body)) > 0 {
			if err := decodeValidated(storeResultSchemaURL, resp.body, &payload); err != nil {
				return Outcome{Result: ResultFailure, Err: malformedError(opStore, resp.status, err)}
			}
		}
		// Without the new timestamp the next store could not be checked.
		token := NewVersionToken(payload.LastModifiedTime)
		if token.IsZero() {
			return Outcome{Result: ResultFailure, Err: malformedError(opStore, resp.status, errNoStoreTimestamp)}
		}
		return Outcome{Result: ResultSuccess, Token: token}
	case resp.status == http.StatusConflict:
		var payload storeResponse
		_ = decodeValidated(storeResultSchemaURL, resp.body, &payload)
		if payload.LOOLStatusCode != 0 && payload.LOOLStatusCode != StatusDocChanged {
			c.logf("wopi store %s: 409 with unexpected LOOLStatusCode %d", redact(src), payload.LOOLStatusCode)
		}
		return Outcome{
			Result: ResultConflict,
			Token:  NewVersionToken(payload.LastModifiedTime),
			Err:    statusError(opStore, resp.status, "document changed in storage"),
		}
	default:
		return Outcome{Result: ResultFailure, Err: statusError(opStore, resp.status, errorMessage(resp.body))}
	}
}

func (c *HTTPClient) StoreAs(ctx context.Context, src string, req StoreAsRequest) (Location, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return Location{}, &Error{Op: opStoreAs, Kind: KindStorage, Message: "name is required"}
	}
	headers := map[string]string{}
	var body []byte
	switch req.Mode {
	case StoreAsCopy:
		headers[HeaderOverride] = StoreAsCopy.String()
		headers[HeaderSuggestedTarget] = name
		headers["Content-Type"] = "application/octet-stream"
		body = req.Data
	case StoreAsRename:
		headers[HeaderOverride] = StoreAsRename.String()
		headers[HeaderRequestedName] = name
	default:
		return Location{}, &Error{Op: opStoreAs, Kind: KindStorage, Message: fmt.Sprintf("unknown store-as mode %d", req.Mode)}
	}
	resp, err := c.do(ctx, opStoreAs, http.MethodPost, src, headers, body, 0)
	if err != nil {
		return Location{}, err
	}
	if !isSuccess(resp.status) {
		return Location{}, statusError(opStoreAs, resp.status, errorMessage(resp.body))
	}
	var loc Location
	if err := decodeValidated(locationSchemaURL, resp.body, &loc); err != nil {
		return Location{}, malformedError(opStoreAs, resp.status, err)
	}
	return loc, nil
}

func (c *HTTPClient) do(
	ctx context.Context,
	op, method, target string,
	headers map[string]string,
	body []byte,
	retries int,
) (response, *Error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return response{}, &Error{Op: op, Kind: KindStorage, Err: err}
		}
		req.Header.Set(HeaderCorrelationID, uuid.NewString())
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return response{}, networkError(op, waitErr)
				}
				continue
			}
			return response{}, networkError(op, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return response{}, networkError(op, readErr)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			c.logf("wopi %s %s: http %d, retrying", op, redact(target), resp.StatusCode)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return response{}, networkError(op, waitErr)
			}
			continue
		}
		return response{status: resp.StatusCode, header: resp.Header, body: payload}, nil
	}
}

func (c *HTTPClient) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	return Backoff(c.baseDelay, maxDelay, attempt)
}

// Backoff doubles base for every attempt after the first, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if limit <= 0 {
		limit = 2 * time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// contentsURL appends /contents to the path of src, keeping its query.
func contentsURL(src string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("wopi src %q is not an absolute URL", src)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/contents"
	parsed.RawPath = ""
	return parsed.String(), nil
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// redact drops the query so access tokens never reach the logs.
func redact(target string) string {
	if idx := strings.Index(target, "?"); idx >= 0 {
		return target[:idx]
	}
	return target
}

var _ Client = (*HTTPClient)(nil)
