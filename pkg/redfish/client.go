package redfish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"git.cscs.ch/openchami/chamicore-bmc/pkg/types"
)

const (
	skipQueryParam     = "$skip"
	expandQueryParam   = "$expand"
	maxCollectionPages = 10000
)

// Doer executes transport requests. *Transport implements it.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client provides typed access to well-known resource paths. It folds 400/404
// into ErrInvalidRequest/ErrNotSupported and retries nothing.
type Client struct {
	transport *Transport
	doer      Doer
	log       zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the resource client logger.
func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger.With().Str("component", "redfish-client").Logger()
	}
}

// New creates a resource client for the endpoint.
func New(ep Endpoint, opts ...ClientOption) (*Client, error) {
	c := &Client{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}

	transport, err := NewTransport(ep, WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	c.transport = transport
	c.doer = transport
	return c, nil
}

// NewWithTransport creates a resource client over an existing transport.
func NewWithTransport(transport *Transport, opts ...ClientOption) *Client {
	c := &Client{transport: transport, doer: transport, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the underlying transport.
func (c *Client) Transport() *Transport {
	return c.transport
}

// GetEntity fetches one resource.
func (c *Client) GetEntity(ctx context.Context, path string) (Entity, error) {
	resp, err := c.do(ctx, Request{Method: http.MethodGet, Path: path})
	if err != nil {
		return nil, err
	}
	if resp.JSON == nil {
		return nil, NewError(ErrProtocolViolation, "GET "+path, resp.StatusCode, "response body is not a JSON object", nil)
	}
	return Entity(resp.JSON), nil
}

// CollectionOptions configures GetCollection.
type CollectionOptions struct {
	// Expand is the $expand value, for example "*($levels=1)".
	Expand string
}

// GetCollection fetches every member of a collection. It keeps requesting the
// next $skip until the endpoint reports the skip is out of range or returns an
// empty page. Members@odata.count and nextLink are not trusted to end the
// stream: some firmware omits them or reports the page count. A page whose
// first member repeats the previous page means $skip is ignored and ends the
// stream.
func (c *Client) GetCollection(ctx context.Context, path string, opts CollectionOptions) ([]Entity, error) {
	members := make([]Entity, 0)
	skip := 0
	previousFirst := ""

	for page := 0; page < maxCollectionPages; page++ {
		query := url.Values{}
		if opts.Expand != "" {
			query.Set(expandQueryParam, opts.Expand)
		}
		if skip > 0 {
			query.Set(skipQueryParam, strconv.Itoa(skip))
		}

		resp, err := c.do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
		if err != nil {
			if skip > 0 && isSkipOutOfRange(err) {
				c.log.Debug().Str("path", path).Int("skip", skip).Msg("collection exhausted")
				return members, nil
			}
			return nil, fmt.Errorf("fetching collection %s (skip %d): %w", path, skip, err)
		}

		pageMembers := Entity(resp.JSON).Members()
		if len(pageMembers) == 0 {
			return members, nil
		}
		first := pageMembers[0].ODataID()
		if skip > 0 && first != "" && first == previousFirst {
			c.log.Warn().Str("path", path).Int("skip", skip).Msg("endpoint ignores $skip; using first page only")
			return members, nil
		}
		previousFirst = first

		members = append(members, pageMembers...)
		skip += len(pageMembers)
	}

	return nil, NewError(ErrProtocolViolation, "GET "+path, 0, "collection pagination did not terminate", nil)
}

func isSkipOutOfRange(err error) bool {
	if !errors.Is(err, ErrInvalidRequest) {
		return false
	}
	msg := strings.ToLower(MessageOf(err))
	return strings.Contains(msg, "out of range") || strings.Contains(msg, "outofrange")
}

// Submission is the result of a state-changing request.
type Submission struct {
	Response *Response
	// Handle is set when the response referenced a job or task.
	Handle *types.JobHandle
}

// HasJob reports whether the submission produced a job handle. A successful
// submission without a handle applied synchronously.
func (s Submission) HasJob() bool {
	return s.Handle != nil && !s.Handle.IsZero()
}

// Body returns the decoded response body.
func (s Submission) Body() Entity {
	if s.Response == nil {
		return nil
	}
	return Entity(s.Response.JSON)
}

// Patch updates attributes at path.
func (c *Client) Patch(ctx context.Context, path string, payload any) (Submission, error) {
	return c.submit(ctx, Request{Method: http.MethodPatch, Path: path, Body: payload})
}

// Post invokes an action or creates a resource.
func (c *Client) Post(ctx context.Context, path string, payload any) (Submission, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return c.submit(ctx, Request{Method: http.MethodPost, Path: path, Body: payload})
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string) (Submission, error) {
	return c.submit(ctx, Request{Method: http.MethodDelete, Path: path})
}

func (c *Client) submit(ctx context.Context, req Request) (Submission, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return Submission{}, err
	}
	return submissionFromResponse(req.Method+" "+req.Path, resp)
}

func submissionFromResponse(op string, resp *Response) (Submission, error) {
	sub := Submission{Response: resp}
	if handle, ok := ExtractJobHandle(resp); ok {
		sub.Handle = &handle
		return sub, nil
	}
	if resp.StatusCode == http.StatusAccepted {
		return sub, NewError(ErrProtocolViolation, op, resp.StatusCode, "accepted response carries no Location header", nil)
	}
	return sub, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.doer.Do(ctx, req)
	if err == nil {
		return resp, nil
	}
	return resp, fold(err)
}

// fold maps transport HTTP errors onto the resource-level kinds.
func fold(err error) error {
	var rfErr *Error
	if !errors.As(err, &rfErr) || !errors.Is(rfErr.Kind, ErrHTTPStatus) {
		return err
	}
	folded := *rfErr
	folded.Kind = classifyStatus(rfErr.Status)
	return &folded
}
