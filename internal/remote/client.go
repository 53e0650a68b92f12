package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/keys"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 6
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	maxErrorBody      = 4 << 10

	opListChanges = "remote.list_changes"
	opGetBlob     = "remote.get_blob"
	opPutBlob     = "remote.put_blob"
	opWipe        = "remote.wipe"
	opHealth      = "remote.health"
	opEvents      = "remote.events"
)

var (
	// ErrInvalidConfig indicates missing base URL or credentials.
	ErrInvalidConfig = errors.New("remote: invalid configuration")
	// ErrBlobNotFound indicates the server has no blob under the key.
	ErrBlobNotFound = errors.New("remote: blob not found")

	errUnexpectedStream = errors.New("response is not an event stream")
)

// Config describes how to reach one account on a sync server.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration
	// MaxRetries bounds how often a throttled (429) request is retried.
	// Zero selects the default; a negative value disables retries.
	MaxRetries int
	Logger     *zap.Logger
}

// StatusError is a non-success HTTP status returned by the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Message)
}

// Change is one entry of the server change log.
type Change struct {
	Key       string `json:"key"`
	UpdatedAt string `json:"updatedAt"`
	Kind      string `json:"kind"`
}

// ChangeFeed is the response of the change feed endpoint.
type ChangeFeed struct {
	Changes []Change `json:"changes"`
	Now     string   `json:"now"`
	User    string   `json:"user"`
}

// Client performs authenticated requests against the sync server. It holds
// no business logic.
type Client struct {
	baseURL       *url.URL
	authorization string
	httpClient    *http.Client
	streamClient  *http.Client
	maxRetries    int
	sleep         func(ctx context.Context, delay time.Duration) error
	logger        *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidConfig)
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidConfig, cfg.BaseURL)
	}
	if strings.TrimSpace(cfg.Username) == "" || cfg.Password == "" {
		return nil, fmt.Errorf("%w: credentials required", ErrInvalidConfig)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	streamClient := &http.Client{Transport: httpClient.Transport}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:       parsed,
		authorization: keys.BasicAuthorization(strings.TrimSpace(cfg.Username), cfg.Password),
		httpClient:    httpClient,
		streamClient:  streamClient,
		maxRetries:    maxRetries,
		sleep:         sleepContext,
		logger:        logger,
	}, nil
}

// ListChangesSince returns the change log entries newer than cursor. An empty
// cursor requests the whole log.
func (c *Client) ListChangesSince(ctx context.Context, cursor string) (ChangeFeed, error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("since", cursor)
	}
	response, err := c.do(ctx, opListChanges, http.MethodGet, c.endpoint("changes", query), nil, c.httpClient)
	if err != nil {
		return ChangeFeed{}, err
	}
	defer response.Body.Close()

	var feed ChangeFeed
	if err := json.NewDecoder(response.Body).Decode(&feed); err != nil {
		return ChangeFeed{}, syncerr.New(syncerr.ErrNetwork, opListChanges, fmt.Errorf("decode feed: %w", err))
	}
	c.logger.Debug("change feed fetched",
		zap.String("since", cursor),
		zap.Int("count", len(feed.Changes)),
		zap.String("now", feed.Now))
	return feed, nil
}

// GetBlob returns the raw bytes stored under key.
func (c *Client) GetBlob(ctx context.Context, key string) ([]byte, error) {
	response, err := c.do(ctx, opGetBlob, http.MethodGet, c.blobEndpoint(key), nil, c.httpClient)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrNetwork, opGetBlob, err)
	}
	return data, nil
}

// PutBlob stores data under key and returns the server write timestamp.
func (c *Client) PutBlob(ctx context.Context, key string, data []byte) (string, error) {
	response, err := c.do(ctx, opPutBlob, http.MethodPut, c.blobEndpoint(key), data, c.httpClient)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	var ack struct {
		OK        bool   `json:"ok"`
		UpdatedAt string `json:"updatedAt"`
	}
	if err := json.NewDecoder(response.Body).Decode(&ack); err != nil {
		return "", syncerr.New(syncerr.ErrNetwork, opPutBlob, fmt.Errorf("decode ack: %w", err))
	}
	if !ack.OK {
		return "", syncerr.New(syncerr.ErrNetwork, opPutBlob, errors.New("server did not acknowledge write"))
	}
	return ack.UpdatedAt, nil
}

// Wipe irreversibly deletes every blob and the change log of the account.
func (c *Client) Wipe(ctx context.Context) error {
	response, err := c.do(ctx, opWipe, http.MethodPost, c.endpoint("wipe", nil), nil, c.httpClient)
	if err != nil {
		return err
	}
	return response.Body.Close()
}

// Health checks that the server is reachable. It sends no credentials.
func (c *Client) Health(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("health", nil), http.NoBody)
	if err != nil {
		return syncerr.New(syncerr.ErrValidation, opHealth, err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return syncerr.New(syncerr.ErrNetwork, opHealth, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return syncerr.New(syncerr.ErrNetwork, opHealth, fmt.Errorf("status %d", response.StatusCode))
	}
	return nil
}

// do sends the request and maps failure statuses onto error kinds. A 429 is
// retried after the server's Retry-After hint, up to maxRetries times.
func (c *Client) do(ctx context.Context, operation, method, target string, body []byte, client *http.Client) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		response, err := c.send(ctx, operation, method, target, body, client)
		if err != nil {
			return nil, err
		}
		if response.StatusCode != http.StatusTooManyRequests || attempt >= c.maxRetries {
			return c.checkStatus(operation, response)
		}

		delay := retryDelay(response.Header.Get("Retry-After"), attempt)
		io.Copy(io.Discard, io.LimitReader(response.Body, maxErrorBody)) //nolint:errcheck
		response.Body.Close()
		c.logger.Debug("request throttled by server",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return nil, syncerr.New(syncerr.ErrNetwork, operation, err)
		}
	}
}

func (c *Client) send(ctx context.Context, operation, method, target string, body []byte, client *http.Client) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrValidation, operation, err)
	}
	request.Header.Set("Authorization", c.authorization)
	if body != nil {
		request.Header.Set("Content-Type", "application/octet-stream")
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrNetwork, operation, err)
	}
	return response, nil
}

func (c *Client) checkStatus(operation string, response *http.Response) (*http.Response, error) {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}

	defer response.Body.Close()
	statusErr := &StatusError{Code: response.StatusCode, Message: readErrorMessage(response.Body)}
	switch response.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, syncerr.New(syncerr.ErrAuth, operation, statusErr)
	case http.StatusNotFound:
		if operation == opGetBlob {
			return nil, fmt.Errorf("%s: %w", operation, ErrBlobNotFound)
		}
		return nil, syncerr.New(syncerr.ErrNetwork, operation, statusErr)
	case http.StatusBadRequest:
		return nil, syncerr.New(syncerr.ErrValidation, operation, statusErr)
	default:
		return nil, syncerr.New(syncerr.ErrNetwork, operation, statusErr)
	}
}

// retryDelay honors a Retry-After header given in seconds or as an HTTP date,
// and otherwise backs off exponentially from initialRetryDelay.
func retryDelay(header string, attempt int) time.Duration {
	delay := initialRetryDelay << attempt
	header = strings.TrimSpace(header)
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		delay = time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		delay = time.Until(at)
	}
	if delay <= 0 {
		delay = initialRetryDelay
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + "/" + path
	target.RawPath = ""
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func (c *Client) blobEndpoint(key string) string {
	segments := strings.Split(key, "/")
	for index, segment := range segments {
		segments[index] = url.PathEscape(segment)
	}
	target := *c.baseURL
	escaped := strings.TrimRight(target.EscapedPath(), "/") + "/blob/" + strings.Join(segments, "/")
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		unescaped = escaped
	}
	target.Path = unescaped
	target.RawPath = escaped
	return target.String()
}

func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
