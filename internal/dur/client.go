package dur

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBaseURL is the combined-use contraindication list endpoint.
	DefaultBaseURL = "https://apis.data.go.kr/1471000/DURPrdlstInfoService03/getUsjntTabooInfoList03"
	// DefaultTypeName selects combined-use contraindications.
	DefaultTypeName = "병용금기"
	DefaultRows     = 3
	DefaultTimeout  = 10 * time.Second

	maxBodyBytes = 8 << 20
)

// ErrMissingKey is returned by NewClient when no service key is configured.
var ErrMissingKey = errors.New("dur: service key (DECODING_KEY) is empty")

// TransportError is returned when the request could not be completed.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dur: request %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is returned alongside the Response for non-2xx replies.
type StatusError struct {
	StatusCode int
	URL        string
	Body       []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("dur: %s returned HTTP %d: %s", e.URL, e.StatusCode, body)
}

// Query holds the request parameters. Zero fields take the client defaults.
type Query struct {
	ItemName  string
	PageNo    int
	NumOfRows int
	TypeName  string
}

// Response is the raw reply. URL includes the service key.
type Response struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Client talks to the DUR service.
type Client struct {
	key        string
	baseURL    string
	rows       int
	http       *http.Client
	normalizer Normalizer
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http = &http.Client{Timeout: d}
	}
}

// WithRows sets the default page size.
func WithRows(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.rows = n
		}
	}
}

// WithNormalizer sets how Lookup extracts records.
func WithNormalizer(n Normalizer) Option {
	return func(c *Client) {
		c.normalizer = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient returns a client authenticated with the decoding service key.
func NewClient(key string, opts ...Option) (*Client, error) {
	if key == "" {
		return nil, ErrMissingKey
	}
	c := &Client{
		key:     key,
		baseURL: DefaultBaseURL,
		rows:    DefaultRows,
		http:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/clalos/medlens/internal/dur"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Query sends one request. There is no retry. For a non-2xx status the
// Response is returned together with a *StatusError.
func (c *Client) Query(ctx context.Context, q Query) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "dur.query",
		trace.WithAttributes(attribute.String("dur.item_name", q.ItemName)))
	defer span.End()

	u, err := c.requestURL(q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid url")
		return nil, err
	}
	redacted := redact(u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dur: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, &TransportError{URL: redacted, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read body")
		return nil, &TransportError{URL: redacted, Err: err}
	}

	out := &Response{URL: u.String(), StatusCode: resp.StatusCode, Body: body}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Info("DUR request completed",
		"url", redacted,
		"status_code", resp.StatusCode,
		"bytes", len(body),
		"elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{StatusCode: resp.StatusCode, URL: redacted, Body: body}
		span.SetStatus(codes.Error, resp.Status)
		return out, err
	}
	return out, nil
}

// Lookup queries contraindications for itemName and normalizes the reply.
func (c *Client) Lookup(ctx context.Context, itemName string) ([]Record, *Response, error) {
	resp, err := c.Query(ctx, Query{ItemName: itemName})
	if err != nil {
		return nil, resp, err
	}
	records := c.normalizer.NormalizeJSON(resp.Body)
	c.logger.Debug("DUR response normalized", "item_name", itemName, "records", len(records))
	return records, resp, nil
}

func (c *Client) requestURL(q Query) (*url.URL, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("dur: parse base url: %w", err)
	}
	if q.PageNo <= 0 {
		q.PageNo = 1
	}
	if q.NumOfRows <= 0 {
		q.NumOfRows = c.rows
	}
	if q.TypeName == "" {
		q.TypeName = DefaultTypeName
	}

	params := u.Query()
	params.Set("serviceKey", c.key)
	params.Set("pageNo", strconv.Itoa(q.PageNo))
	params.Set("numOfRows", strconv.Itoa(q.NumOfRows))
	params.Set("typeName", q.TypeName)
	params.Set("itemName", q.ItemName)
	params.Set("type", "json")
	u.RawQuery = params.Encode()
	return u, nil
}

func redact(u *url.URL) string {
	r := *u
	params := r.Query()
	if params.Has("serviceKey") {
		params.Set("serviceKey", "REDACTED")
	}
	r.RawQuery = params.Encode()
	return r.String()
}
