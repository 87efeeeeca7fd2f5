// Package client provides the ServiceNow SOAP transport: an authenticated
// session, WSDL binding, getKeys/getRecords calls, fault decoding, retry,
// rate limiting and WSDL caching.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/sn-soap-client/pkg/cache"
	"github.com/Sternrassler/sn-soap-client/pkg/logging"
	"github.com/Sternrassler/sn-soap-client/pkg/query"
	"github.com/Sternrassler/sn-soap-client/pkg/ratelimit"
	"github.com/beevik/etree"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for SOAP operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snsoap_requests_total",
		Help: "Total SOAP requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snsoap_request_duration_seconds",
		Help:    "SOAP request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snsoap_errors_total",
		Help: "Total SOAP errors by class",
	}, []string{"class"})
)

// MaxPageSize is the most records a getRecords call returns.
const MaxPageSize = 250

// Operations every bound table must expose.
const (
	OpGetKeys    = "getKeys"
	OpGetRecords = "getRecords"
)

// Config holds the client configuration.
type Config struct {
	// Instance is the ServiceNow tenant, e.g. "dev12345" for dev12345.service-now.com.
	Instance string

	// Username and Password authenticate every request (HTTP basic auth).
	// The user needs the soap_query role.
	Username string
	Password string

	// BaseURL overrides https://<instance>.service-now.com (tests, proxies).
	BaseURL string

	// ProbeTable is the table whose WSDL is fetched to bind the session.
	ProbeTable string

	// Redis enables the WSDL cache and shared rate limit tracking. Optional.
	Redis *redis.Client

	// WSDLCacheTTL is how long a cached WSDL stays valid.
	WSDLCacheTTL time.Duration

	// HTTPTimeout bounds a single HTTP exchange.
	HTTPTimeout time.Duration

	// Retry
	MaxRetries     int // total attempts per request, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Logger replaces the default "soap-client" component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(instance, username, password string) Config {
	return Config{
		Instance:       instance,
		Username:       username,
		Password:       password,
		ProbeTable:     "sys_user",
		WSDLCacheTTL:   cache.DefaultTTL,
		HTTPTimeout:    60 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Session is the authenticated connection state of one client. It is
// created once by New and never modified afterwards.
type Session struct {
	Instance   string
	BaseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// Client is a ServiceNow SOAP client. It is safe for concurrent use.
type Client struct {
	session     *Session
	rateLimiter *ratelimit.Tracker
	cache       *cache.Manager
	config      Config
	retry       RetryConfig
	logger      zerolog.Logger
}

var _ query.ServiceBinding = (*Client)(nil)

// New creates a client and binds its session by loading the probe table's
// WSDL. It returns a *query.ConfigurationError for incomplete configuration
// and a *query.AuthenticationError when the instance rejects the session.
func New(ctx context.Context, cfg Config) (*Client, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := c.bind(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect creates a client and returns a query runner on top of it.
func Connect(ctx context.Context, cfg Config, opts ...query.Option) (*query.Runner, error) {
	c, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return query.NewRunner(c, opts...), nil
}

// newClient validates cfg and assembles the client without network access.
func newClient(cfg Config) (*Client, error) {
	switch {
	case cfg.Instance == "":
		return nil, &query.ConfigurationError{Field: "instance", Reason: "is required"}
	case cfg.Username == "":
		return nil, &query.ConfigurationError{Field: "username", Reason: "is required"}
	case cfg.Password == "":
		return nil, &query.ConfigurationError{Field: "password", Reason: "is required"}
	}

	defaults := DefaultConfig(cfg.Instance, cfg.Username, cfg.Password)
	if cfg.ProbeTable == "" {
		cfg.ProbeTable = defaults.ProbeTable
	}
	if cfg.WSDLCacheTTL <= 0 {
		cfg.WSDLCacheTTL = defaults.WSDLCacheTTL
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaults.HTTPTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.service-now.com", cfg.Instance)
	}

	base := logging.NewLogger(logging.ComponentClient)
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	logger := base.With().Str("instance", cfg.Instance).Logger()

	c := &Client{
		session: &Session{
			Instance: cfg.Instance,
			BaseURL:  strings.TrimRight(baseURL, "/"),
			username: cfg.Username,
			password: cfg.Password,
			httpClient: &http.Client{
				Timeout: cfg.HTTPTimeout,
			},
		},
		config: cfg,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}
	c.retry.MaxAttempts = cfg.MaxRetries
	c.retry.InitialBackoff = cfg.InitialBackoff
	c.retry.MaxBackoff = cfg.MaxBackoff

	if cfg.Redis != nil {
		c.cache = cache.NewManager(cfg.Redis)
		limiterLogger := logging.NewLogger(logging.ComponentLimiter).With().
			Str("instance", cfg.Instance).
			Logger()
		c.rateLimiter = ratelimit.NewTracker(cfg.Redis, cfg.Instance, limiterLogger)
	}

	return c, nil
}

// bind verifies the session against the probe table's WSDL. The WSDL is
// always downloaded: a cached copy proves nothing about these credentials.
func (c *Client) bind(ctx context.Context) error {
	ops, err := c.downloadOperations(ctx, c.config.ProbeTable)
	if err != nil {
		return &query.AuthenticationError{Instance: c.session.Instance, Err: err}
	}

	for _, want := range []string{OpGetKeys, OpGetRecords} {
		if !slices.Contains(ops, want) {
			return &query.AuthenticationError{
				Instance: c.session.Instance,
				Err:      fmt.Errorf("%s WSDL does not bind %s", c.config.ProbeTable, want),
			}
		}
	}

	c.logger.Info().
		Str("probe_table", c.config.ProbeTable).
		Msg("Session bound")

	return nil
}

// Session returns the client's session.
func (c *Client) Session() *Session {
	return c.session
}

// MaxPageSize implements query.ServiceBinding.
func (c *Client) MaxPageSize() int {
	return MaxPageSize
}

// ResolveKeys implements query.ServiceBinding with a getKeys call.
func (c *Client) ResolveKeys(ctx context.Context, table, filter string) ([]string, error) {
	data := map[string]string{}
	if filter != "" {
		data[query.EncodedQueryKey] = filter
	}

	doc, err := c.call(ctx, table, operation{Name: OpGetKeys, Data: data})
	if err != nil {
		return nil, err
	}

	keys, err := parseKeys(doc)
	if err != nil {
		return nil, &SOAPError{
			Operation:   OpGetKeys,
			StatusCode:  http.StatusOK,
			ErrorClass:  ErrorClassClient,
			FaultString: "malformed response",
			Err:         err,
		}
	}
	return keys, nil
}

// FetchRecords implements query.ServiceBinding with a getRecords call
// filtered to exactly ids.
func (c *Client) FetchRecords(ctx context.Context, table string, ids []string) ([]query.Record, error) {
	doc, err := c.call(ctx, table, operation{
		Name: OpGetRecords,
		Data: map[string]string{
			query.EncodedQueryKey: SysIDField + "IN" + strings.Join(ids, ","),
		},
	})
	if err != nil {
		return nil, err
	}

	parsed := parseRecords(doc)
	records := make([]query.Record, len(parsed))
	for i, r := range parsed {
		records[i] = r
	}
	return records, nil
}

// call performs one SOAP operation with rate limiting and retry, returning
// the parsed response document.
func (c *Client) call(ctx context.Context, table string, op operation) (*etree.Document, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(op.Name).Observe(time.Since(startTime).Seconds())
	}()

	if c.rateLimiter != nil {
		allowed, err := c.rateLimiter.ShouldAllowRequest(ctx)
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case err != nil:
			c.logger.Warn().Err(err).Msg("Rate limit check failed")
		case !allowed:
			requestsTotal.WithLabelValues(op.Name, "rate_limited").Inc()
			return nil, &SOAPError{
				Operation:   op.Name,
				ErrorClass:  ErrorClassRateLimit,
				FaultString: "rate limit window exhausted",
				Err:         ErrRateLimited,
			}
		}
	}

	body, err := buildEnvelope(table, op)
	if err != nil {
		return nil, err
	}

	url := c.session.BaseURL + "/" + table + ".do?SOAP"

	c.logger.Debug().
		Str("table", table).
		Str("operation", op.Name).
		Msg("Executing SOAP request")

	var doc *etree.Document
	err = retryWithBackoff(ctx, c.retry, c.logger, func() error {
		var reqErr error
		doc, reqErr = c.post(ctx, url, soapAction(table, op.Name), op.Name, body)
		return reqErr
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// post sends one SOAP request and decodes the response.
func (c *Client) post(ctx context.Context, url, action, opName string, body []byte) (*etree.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, data, err := c.do(req, opName)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	parseErr := doc.ReadFromBytes(data)

	if parseErr == nil {
		if soapErr := parseFault(doc); soapErr != nil {
			soapErr.Operation = opName
			soapErr.StatusCode = resp.StatusCode
			if cls := classifyStatus(resp.StatusCode); cls == ErrorClassAuth {
				soapErr.ErrorClass = cls
			}
			return nil, c.record(opName, soapErr)
		}
	}

	if resp.StatusCode >= 400 {
		return nil, c.record(opName, httpError(opName, resp, data))
	}

	if parseErr != nil {
		return nil, c.record(opName, &SOAPError{
			Operation:   opName,
			StatusCode:  resp.StatusCode,
			ErrorClass:  ErrorClassClient,
			FaultString: "response is not XML",
			Err:         parseErr,
		})
	}

	requestsTotal.WithLabelValues(opName, strconv.Itoa(resp.StatusCode)).Inc()
	return doc, nil
}

// do executes req with the session's credentials and reads the full body.
func (c *Client) do(req *http.Request, opName string) (*http.Response, []byte, error) {
	req.SetBasicAuth(c.session.username, c.session.password)

	resp, err := c.session.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", opName).Msg("HTTP request failed")
		return nil, nil, c.record(opName, &SOAPError{
			Operation:   opName,
			ErrorClass:  ErrorClassNetwork,
			FaultString: "transport failure",
			Err:         err,
		})
	}
	defer resp.Body.Close()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(req.Context(), resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, c.record(opName, &SOAPError{
			Operation:   opName,
			StatusCode:  resp.StatusCode,
			ErrorClass:  ErrorClassNetwork,
			FaultString: "read response body",
			Err:         err,
		})
	}

	return resp, data, nil
}

// record counts a failed exchange and returns err unchanged.
func (c *Client) record(opName string, err *SOAPError) error {
	errorsTotal.WithLabelValues(string(err.ErrorClass)).Inc()
	status := strconv.Itoa(err.StatusCode)
	if err.ErrorClass == ErrorClassNetwork && err.StatusCode == 0 {
		status = "network_error"
	}
	requestsTotal.WithLabelValues(opName, status).Inc()

	c.logger.Warn().
		Str("operation", opName).
		Int("status", err.StatusCode).
		Str("error_class", string(err.ErrorClass)).
		Str("fault", err.FaultString).
		Msg("SOAP request error")

	return err
}

// httpError builds a SOAPError for a non-fault HTTP error response.
func httpError(opName string, resp *http.Response, data []byte) *SOAPError {
	soapErr := &SOAPError{
		Operation:   opName,
		StatusCode:  resp.StatusCode,
		ErrorClass:  classifyStatus(resp.StatusCode),
		FaultString: resp.Status,
	}
	if msg := strings.TrimSpace(string(data)); msg != "" && len(msg) < 512 {
		soapErr.FaultString = resp.Status + ": " + msg
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		soapErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return soapErr
}

// classifyStatus maps an HTTP status code to an ErrorClass.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorClassAuth
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ""
	}
}

// IsAuthError reports whether err was caused by rejected credentials.
func IsAuthError(err error) bool {
	var soapErr *SOAPError
	return errors.As(err, &soapErr) && soapErr.ErrorClass == ErrorClassAuth
}

// Close releases idle connections held by the session.
func (c *Client) Close() error {
	c.session.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.session.httpClient = client
}
