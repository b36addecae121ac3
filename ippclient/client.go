// Package ippclient is a minimal IPP-over-HTTP client built directly on
// goipp messages. It exists for the proxy agent, which needs raw access to
// response groups and to the document bytes that follow a Fetch-Document
// response.
package ippclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/OpenPrinting/goipp"
	"github.com/cenkalti/backoff"
)

// Client talks to a single IPP endpoint.
type Client struct {
	uri      *url.URL
	httpURL  string
	username string
	password string
	httpc    *http.Client
	reqID    atomic.Uint32
}

// Option is the client option.
type Option func(*Client)

// WithCredentials sets HTTP Basic credentials for every request.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout overrides the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpc.Timeout = d
	}
}

// New creates a client for an ipp://, ipps://, http:// or https:// URI.
func New(printerURI string, opts ...Option) (*Client, error) {
	u, err := url.Parse(printerURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse printer URI %q: %w", printerURI, err)
	}
	httpURL, err := toHTTP(u)
	if err != nil {
		return nil, err
	}
	c := &Client{
		uri:     u,
		httpURL: httpURL,
		httpc: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				// printer certificates are self-signed as a rule
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URI returns the printer URI the client was created with.
func (c *Client) URI() string { return c.uri.String() }

// toHTTP maps ipp/ipps URIs to their HTTP equivalents.
func toHTTP(u *url.URL) (string, error) {
	host := u.Host
	scheme := u.Scheme
	switch u.Scheme {
	case "ipp":
		scheme = "http"
		if u.Port() == "" {
			host += ":631"
		}
	case "ipps":
		scheme = "https"
		if u.Port() == "" {
			host += ":631"
		}
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return scheme + "://" + host + u.Path, nil
}

// NewRequest builds a message with the required leading triplet.
func (c *Client) NewRequest(op goipp.Op) *goipp.Message {
	msg := goipp.NewRequest(goipp.DefaultVersion, op, c.reqID.Add(1))
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	msg.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.uri.String())))
	if c.username != "" {
		msg.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String(c.username)))
	}
	return msg
}

// Do sends a request with an optional trailing document body and decodes
// the response message. The returned ReadCloser holds whatever follows the
// response (the document of Fetch-Document); the caller must close it.
func (c *Client) Do(ctx context.Context, msg *goipp.Message, doc io.Reader) (*goipp.Message, io.ReadCloser, error) {
	payload, err := msg.EncodeBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode request: %w", err)
	}
	var body io.Reader = bytes.NewReader(payload)
	if doc != nil {
		body = io.MultiReader(body, doc)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/ipp")
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("HTTP %s", resp.Status)
	}

	var out goipp.Message
	if err := out.Decode(resp.Body); err != nil {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, resp.Body, nil
}

// DoStatus is Do for operations with no trailing data; it closes the body
// and returns an error for non-successful IPP status codes.
func (c *Client) DoStatus(ctx context.Context, msg *goipp.Message, doc io.Reader) (*goipp.Message, error) {
	resp, body, err := c.Do(ctx, msg, doc)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, body)
	body.Close()
	if status := goipp.Status(resp.Code); status >= 0x0400 {
		return resp, &StatusError{Status: status, Message: statusMessage(resp)}
	}
	return resp, nil
}

// Connect verifies the endpoint is reachable, retrying with exponential
// backoff and jitter until ctx is canceled or the backoff's default
// maximum elapsed time (15 minutes) runs out.
func (c *Client) Connect(ctx context.Context) (*goipp.Message, error) {
	var attrs *goipp.Message
	op := func() error {
		msg := c.NewRequest(goipp.OpGetPrinterAttributes)
		msg.Operation.Add(goipp.MakeAttribute("requested-attributes", goipp.TagKeyword, goipp.String("all")))
		resp, err := c.DoStatus(ctx, msg, nil)
		if err != nil {
			return err
		}
		attrs = resp
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return attrs, nil
}

// StatusErrorNotFetchable is client-error-not-fetchable (PWG 5100.18),
// which the goipp status table does not carry.
const StatusErrorNotFetchable goipp.Status = 0x0420

// StatusError is a non-successful IPP status code.
type StatusError struct {
	Status  goipp.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, status goipp.Status) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status == status
}

func statusMessage(msg *goipp.Message) string {
	for _, attr := range msg.Operation {
		if attr.Name == "status-message" && len(attr.Values) > 0 {
			return attr.Values[0].V.String()
		}
	}
	return ""
}

// FindAttr returns the named attribute's values from an attribute group.
func FindAttr(attrs goipp.Attributes, name string) (goipp.Values, bool) {
	for _, attr := range attrs {
		if attr.Name == name && len(attr.Values) > 0 {
			return attr.Values, true
		}
	}
	return nil, false
}

// AttrString returns the named attribute's first value as a string.
func AttrString(attrs goipp.Attributes, name, def string) string {
	vv, ok := FindAttr(attrs, name)
	if !ok {
		return def
	}
	return vv[0].V.String()
}

// AttrInt returns the named attribute's first value as an int.
func AttrInt(attrs goipp.Attributes, name string, def int) int {
	vv, ok := FindAttr(attrs, name)
	if !ok {
		return def
	}
	if v, ok := vv[0].V.(goipp.Integer); ok {
		return int(v)
	}
	return def
}

// AttrStrings returns all values of the named attribute as strings.
func AttrStrings(attrs goipp.Attributes, name string) []string {
	vv, ok := FindAttr(attrs, name)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(vv))
	for _, v := range vv {
		out = append(out, v.V.String())
	}
	return out
}

// GroupsOf returns all attribute groups with the given tag.
func GroupsOf(msg *goipp.Message, tag goipp.Tag) []goipp.Attributes {
	var out []goipp.Attributes
	for _, g := range msg.Groups {
		if g.Tag == tag {
			out = append(out, g.Attrs)
		}
	}
	return out
}
