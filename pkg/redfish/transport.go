// Package redfish provides the HTTP transport and typed resource client used
// to drive a baseboard management controller through its Redfish interface.
package redfish

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultRequestTimeout = 60 * time.Second
	// AuthTokenHeader carries the session token for TokenAuth.
	AuthTokenHeader = "X-Auth-Token"
	requestIDHeader = "X-Request-ID"
	serviceRootPath = "/redfish/v1"
	maxErrorBody    = 1 << 20
)

// Auth applies credentials to outgoing requests.
type Auth interface {
	apply(req *http.Request)
	tokenBased() bool
}

// BasicAuth sends user and password with every request.
type BasicAuth struct {
	User     string
	Password string
}

func (a BasicAuth) apply(req *http.Request) {
	req.SetBasicAuth(a.User, a.Password)
}

func (BasicAuth) tokenBased() bool { return false }

// TokenAuth sends an opaque session token in the X-Auth-Token header.
type TokenAuth struct {
	Token string
}

func (a TokenAuth) apply(req *http.Request) {
	req.Header.Set(AuthTokenHeader, a.Token)
}

func (TokenAuth) tokenBased() bool { return true }

// Endpoint is the network address of a managed endpoint plus its credentials.
type Endpoint struct {
	// Address is a host, host:port, or https URL.
	Address string
	Auth    Auth
	// VerifyTLS enables certificate verification. Controllers typically present
	// self-signed certificates, so it is off by default.
	VerifyTLS bool
	// Timeout is the per-request budget. Defaults to 60s.
	Timeout time.Duration
}

// NormalizeEndpoint returns the scheme://host[:port] form of an endpoint address.
func NormalizeEndpoint(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", fmt.Errorf("endpoint address is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint %q: %w", address, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", address)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", fmt.Errorf("endpoint %q has unsupported scheme %q", address, parsed.Scheme)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

// Request describes one HTTP call.
type Request struct {
	Method string
	// Path is either an absolute resource path (/redfish/v1/...) or a full URL.
	Path  string
	Query url.Values
	// Body is nil, an io.Reader, a []byte, or a value encoded as JSON.
	Body        any
	ContentType string
	Headers     map[string]string
	// Stream leaves the response body open in Response.Stream and skips the
	// per-request timeout.
	Stream bool
	// Unbounded skips the per-request timeout (large uploads).
	Unbounded bool
}

// Response is a successful HTTP response with a decoded body.
type Response struct {
	StatusCode int
	Header     http.Header
	// JSON is set when the body is a JSON object.
	JSON map[string]any
	// Text is set for text/* bodies.
	Text string
	// Raw is the undecoded body for non-streamed responses.
	Raw []byte
	// Stream is set for streamed responses; the caller must close it.
	Stream io.ReadCloser
}

// Location returns the Location response header.
func (r *Response) Location() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get("Location"))
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger zerolog.Logger) TransportOption {
	return func(t *Transport) {
		t.log = logger.With().Str("component", "redfish-transport").Logger()
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		if client != nil {
			t.client = client
		}
	}
}

// Transport executes authenticated requests against one endpoint. It holds the
// endpoint-scoped connection pool and never retries on its own.
type Transport struct {
	baseURL   string
	host      string
	auth      Auth
	timeout   time.Duration
	client    *http.Client
	log       zerolog.Logger
	requestID func() string

	// accepted records that the endpoint answered at least once without a 401.
	accepted atomic.Bool
}

// NewTransport creates a transport for the endpoint.
func NewTransport(ep Endpoint, opts ...TransportOption) (*Transport, error) {
	baseURL, err := NormalizeEndpoint(ep.Address)
	if err != nil {
		return nil, err
	}
	parsed, _ := url.Parse(baseURL)

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	t := &Transport{
		baseURL:   baseURL,
		host:      parsed.Hostname(),
		auth:      ep.Auth,
		timeout:   timeout,
		client:    newHTTPClient(ep.VerifyTLS, timeout),
		log:       zerolog.Nop(),
		requestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func newHTTPClient(verifyTLS bool, timeout time.Duration) *http.Client {
	// start from DefaultTransport to keep its dialer and pool defaults
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: !verifyTLS, //nolint:gosec // controllers present self-signed certificates
		MinVersion:         tls.VersionTLS12,
	}
	tr.ResponseHeaderTimeout = timeout

	return &http.Client{
		Transport: otelhttp.NewTransport(tr),
	}
}

// BaseURL returns the normalized scheme://host[:port].
func (t *Transport) BaseURL() string { return t.baseURL }

// Host returns the endpoint host name without port.
func (t *Transport) Host() string { return t.host }

// UsesTokenAuth reports whether the transport authenticates with a session token.
func (t *Transport) UsesTokenAuth() bool {
	return t.auth != nil && t.auth.tokenBased()
}

// Do executes one request and classifies the outcome. Non-2xx responses are
// returned together with a classified *Error so callers can inspect the body.
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	op := method + " " + req.Path

	target, err := t.resolve(req.Path, req.Query)
	if err != nil {
		return nil, NewError(ErrInvalidRequest, op, 0, "", err)
	}

	body, contentType, err := encodeBody(req.Body, req.ContentType)
	if err != nil {
		return nil, NewError(ErrInvalidRequest, op, 0, "", err)
	}

	reqCtx := ctx
	cancel := func() {}
	if !req.Stream && !req.Unbounded {
		reqCtx, cancel = context.WithTimeout(ctx, t.timeout)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		cancel()
		return nil, NewError(ErrInvalidRequest, op, 0, "", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("OData-Version", "4.0")
	httpReq.Header.Set(requestIDHeader, t.requestID())
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if t.auth != nil {
		t.auth.apply(httpReq)
	}

	started := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, t.classifyTransportError(ctx, op, err)
	}

	logEvent := t.log.Debug().
		Str("method", method).
		Str("path", req.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started))

	if resp.StatusCode == http.StatusUnauthorized {
		defer cancel()
		message := readErrorMessage(resp.Body)
		_ = resp.Body.Close()
		logEvent.Msg("request rejected")

		kind := ErrAuthFailure
		if t.UsesTokenAuth() && t.accepted.Load() {
			kind = ErrSessionInvalidated
		}
		return nil, NewError(kind, op, resp.StatusCode, message, nil)
	}
	t.accepted.Store(true)

	if resp.StatusCode >= http.StatusBadRequest {
		defer cancel()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		logEvent.Msg("request failed")

		out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Raw: raw}
		decodeInto(out, resp.Header.Get("Content-Type"), raw)

		kind := ErrHTTPStatus
		if resp.StatusCode >= http.StatusInternalServerError {
			kind = ErrTransientServer
		}
		return out, NewError(kind, op, resp.StatusCode, extendedMessage(out.JSON, raw), nil)
	}

	logEvent.Msg("request completed")

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if req.Stream {
		out.Stream = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return out, nil
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.classifyTransportError(ctx, op, err)
	}
	out.Raw = raw
	decodeInto(out, resp.Header.Get("Content-Type"), raw)
	return out, nil
}

func (t *Transport) resolve(path string, query url.Values) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("request path is required")
	}

	var target string
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		target = trimmed
	} else {
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		target = t.baseURL + trimmed
	}

	if len(query) == 0 {
		return target, nil
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	values := parsed.Query()
	for key, vals := range query {
		for _, v := range vals {
			values.Add(key, v)
		}
	}
	// OData system query options must keep their literal '$'.
	parsed.RawQuery = strings.ReplaceAll(values.Encode(), "%24", "$")
	return parsed.String(), nil
}

func (t *Transport) classifyTransportError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return NewError(ErrCancelled, op, 0, "", ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return NewError(ErrTimeout, op, 0, "", ctx.Err())
	}

	// Anything below HTTP (DNS, TCP reset, TLS handshake, timeouts) is a connectivity outcome.
	t.log.Debug().Err(err).Str("op", op).Msg("transport failure")
	return NewError(ErrTransientNetwork, op, 0, "", err)
}

func encodeBody(body any, contentType string) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, contentType, nil
	case io.Reader:
		return v, contentType, nil
	case []byte:
		return bytes.NewReader(v), defaultString(contentType, "application/json"), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}
		return bytes.NewReader(encoded), defaultString(contentType, "application/json"), nil
	}
}

func decodeInto(out *Response, contentType string, raw []byte) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	trimmed := bytes.TrimSpace(raw)
	looksJSON := len(trimmed) > 0 && trimmed[0] == '{'

	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		out.JSON = decodeObject(trimmed)
	case strings.HasPrefix(mediaType, "text/"):
		out.Text = string(raw)
		// some firmware labels JSON bodies as text/plain
		if looksJSON {
			out.JSON = decodeObject(trimmed)
		}
	case mediaType == "" && looksJSON:
		out.JSON = decodeObject(trimmed)
	}
}

func decodeObject(raw []byte) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)
	return extendedMessage(obj, raw)
}

// extendedMessage extracts error.@Message.ExtendedInfo[].Message, falling back
// to error.message and then to the raw text.
func extendedMessage(obj map[string]any, raw []byte) string {
	if obj != nil {
		errObj := Entity(obj).Object("error")
		if errObj != nil {
			messages := make([]string, 0)
			for _, info := range errObj.Objects("@Message.ExtendedInfo") {
				if msg := info.String("Message"); msg != "" {
					messages = append(messages, msg)
				}
			}
			if len(messages) > 0 {
				return strings.Join(messages, "; ")
			}
			if msg := errObj.String("message"); msg != "" {
				return msg
			}
		}
		if msg := Entity(obj).String("Message"); msg != "" {
			return msg
		}
	}
	text := strings.TrimSpace(string(raw))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
