package soap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Transport issues a single SOAP round trip with no retry policy.
type Transport interface {
	Call(ctx context.Context, hdr *Context, payload, out any) error
}

const callTimeout = 300 * time.Second

// Client POSTs SOAP envelopes to one admin endpoint over a shared HTTP
// client. Certificate verification is off: the operator controls both
// ends of this channel and small installations run self-signed.
type Client struct {
	endpoint string
	hc       *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
}

type ClientOption func(*Client) error

// NewClient builds the channel against the configured endpoint.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.endpoint == "" {
		return nil, errors.New("requires endpoint")
	}
	if c.logger == nil {
		return nil, errors.New("requires logger")
	}
	if c.hc == nil {
		c.hc = &http.Client{
			Timeout: callTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	c.tracer = otel.Tracer("boxsweep/soap")

	return c, nil
}

// WithEndpoint points the client at a server. A URL without a path gets
// the standard admin SOAP path appended.
func WithEndpoint(raw string) ClientOption {
	return func(c *Client) error {
		u, err := url.Parse(raw)
		if err != nil {
			return errors.Wrapf(err, "parsing server url %q", raw)
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.Errorf("server url %q must include scheme and host", raw)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = AdminPath
		}
		c.endpoint = u.String()
		return nil
	}
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		c.hc = hc
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// Endpoint returns the resolved endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Call wraps payload in an envelope carrying hdr, posts it, and decodes
// the response body into out. A server fault comes back as a *Fault;
// any other failure is a transport-level error the caller may retry.
func (c *Client) Call(ctx context.Context, hdr *Context, payload, out any) error {
	op := payloadName(payload)
	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	env := requestEnvelope{Body: requestBody{Payload: payload}}
	if hdr != nil {
		env.Header = &requestHeader{Context: hdr}
	}
	encoded, err := xml.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", op)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		bytes.NewReader(append([]byte(xml.Header), encoded...)))
	if err != nil {
		return errors.Wrapf(err, "building %s request", op)
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")

	resp, err := c.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "posting %s", op)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading %s response", op)
	}
	c.logger.DebugContext(ctx, "rpc round trip",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(raw)))

	// Servers report faults with a 500 status and a decodable envelope,
	// so the body is decoded before the status is judged.
	var decoded responseEnvelope
	if err := xml.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("%s returned status %s", op, resp.Status)
		}
		return errors.Wrapf(err, "decoding %s response", op)
	}

	if f := decoded.Body.Fault; f != nil {
		span.SetAttributes(attribute.String("fault.code", f.Detail.Error.Code))
		return &Fault{Code: f.Detail.Error.Code, Reason: f.Reason.Text}
	}

	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(decoded.Body.Inner, out); err != nil {
		return errors.Wrapf(err, "decoding %s payload", op)
	}
	return nil
}

// payloadName reads the request element name off the payload's XMLName
// tag, for spans and diagnostics.
func payloadName(payload any) string {
	t := reflect.TypeOf(payload)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil && t.Kind() == reflect.Struct {
		if f, ok := t.FieldByName("XMLName"); ok {
			tag := f.Tag.Get("xml")
			if i := strings.LastIndex(tag, " "); i >= 0 {
				tag = tag[i+1:]
			}
			if tag != "" {
				return tag
			}
		}
	}
	return fmt.Sprintf("%T", payload)
}
