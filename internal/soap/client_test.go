package soap

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRequest struct {
	XMLName xml.Name `xml:"urn:zimbraAdmin NoOpRequest"`
	What    string   `xml:"what"`
}

type pingResponse struct {
	XMLName xml.Name `xml:"NoOpResponse"`
	Echo    string   `xml:"echo"`
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientCallRoundTrip(t *testing.T) {
	var received string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Content-Type"), "application/soap+xml")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = string(body)
		io.WriteString(w, `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">`+
			`<soap:Body><NoOpResponse xmlns="urn:zimbraAdmin"><echo>pong</echo></NoOpResponse></soap:Body>`+
			`</soap:Envelope>`)
	}))
	defer ts.Close()

	c, err := NewClient(WithEndpoint(ts.URL), WithHTTPClient(ts.Client()), WithLogger(slogDiscard()))
	require.NoError(t, err)

	hdr := &Context{AuthToken: "tok-123", Session: &Session{ID: "42"}}
	var out pingResponse
	err = c.Call(context.Background(), hdr, &pingRequest{What: "ping"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "pong", out.Echo)
	assert.Contains(t, received, `<authToken>tok-123</authToken>`)
	assert.Contains(t, received, `<session id="42">`)
	assert.Contains(t, received, `<NoOpRequest xmlns="urn:zimbraAdmin">`)
	assert.Contains(t, received, `<what>ping</what>`)
}

func TestClientCallOmitsHeaderWithoutContext(t *testing.T) {
	var received string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		io.WriteString(w, `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope">`+
			`<soap:Body><NoOpResponse xmlns="urn:zimbraAdmin"/></soap:Body></soap:Envelope>`)
	}))
	defer ts.Close()

	c, err := NewClient(WithEndpoint(ts.URL), WithHTTPClient(ts.Client()), WithLogger(slogDiscard()))
	require.NoError(t, err)

	require.NoError(t, c.Call(context.Background(), nil, &pingRequest{}, nil))
	assert.NotContains(t, received, "<Header>")
	assert.NotContains(t, received, "authToken")
}

func TestClientCallFault(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `<soap:Envelope xmlns:soap="http://www.w3.org/2003/05/soap-envelope"><soap:Body>`+
			`<soap:Fault><soap:Code><soap:Value>soap:Sender</soap:Value></soap:Code>`+
			`<soap:Reason><soap:Text>authentication failed for bad@example.com</soap:Text></soap:Reason>`+
			`<soap:Detail><Error xmlns="urn:zimbra"><Code>account.AUTH_FAILED</Code></Error></soap:Detail>`+
			`</soap:Fault></soap:Body></soap:Envelope>`)
	}))
	defer ts.Close()

	c, err := NewClient(WithEndpoint(ts.URL), WithHTTPClient(ts.Client()), WithLogger(slogDiscard()))
	require.NoError(t, err)

	err = c.Call(context.Background(), nil, &pingRequest{}, &pingResponse{})
	require.Error(t, err)

	fault, ok := err.(*Fault)
	require.True(t, ok, "expected a *Fault, got %T", err)
	assert.Equal(t, "account.AUTH_FAILED", fault.Code)
	assert.Equal(t, "authentication failed for bad@example.com", fault.Reason)
	assert.Contains(t, fault.Error(), "account.AUTH_FAILED")
}

func TestClientCallUndecodableBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "this is not xml")
	}))
	defer ts.Close()

	c, err := NewClient(WithEndpoint(ts.URL), WithHTTPClient(ts.Client()), WithLogger(slogDiscard()))
	require.NoError(t, err)

	err = c.Call(context.Background(), nil, &pingRequest{}, &pingResponse{})
	require.Error(t, err)
	var fault *Fault
	assert.False(t, errors.As(err, &fault), "undecodable body must not produce a *Fault")
}

func TestClientCallGatewayStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "<html>bad gateway</html>")
	}))
	defer ts.Close()

	c, err := NewClient(WithEndpoint(ts.URL), WithHTTPClient(ts.Client()), WithLogger(slogDiscard()))
	require.NoError(t, err)

	err = c.Call(context.Background(), nil, &pingRequest{}, &pingResponse{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned status")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(WithLogger(slogDiscard()))
	assert.EqualError(t, err, "requires endpoint")

	_, err = NewClient(WithEndpoint("https://mail.example.com:7071"))
	assert.EqualError(t, err, "requires logger")

	_, err = NewClient(WithEndpoint("mail.example.com"), WithLogger(slogDiscard()))
	assert.Error(t, err)
}

func TestWithEndpointAppendsAdminPath(t *testing.T) {
	c, err := NewClient(WithEndpoint("https://mail.example.com:7071"), WithLogger(slogDiscard()))
	require.NoError(t, err)
	assert.Equal(t, "https://mail.example.com:7071/service/admin/soap", c.Endpoint())

	c, err = NewClient(WithEndpoint("https://mail.example.com:7071/custom/soap"), WithLogger(slogDiscard()))
	require.NoError(t, err)
	assert.Equal(t, "https://mail.example.com:7071/custom/soap", c.Endpoint())
}

func TestPayloadName(t *testing.T) {
	assert.Equal(t, "NoOpRequest", payloadName(&pingRequest{}))
	assert.Equal(t, "NoOpRequest", payloadName(pingRequest{}))

	type bare struct{ A int }
	assert.Equal(t, "soap.bare", payloadName(bare{}))
}
