package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guardian/k8s-scepclient/scep"
	"github.com/rs/zerolog/log"
	"gopkg.in/errgo.v2/fmt/errors"
)

var (
	// ErrTransport covers failures to reach the server or read its reply. These may be retried.
	ErrTransport = errors.New("scep transport failure")
	// ErrServer is a non-200 reply from the server, or one larger than MaxResponseSize.
	ErrServer = errors.New("scep server refused the request")
)

// DefaultPath is where Microsoft NDES serves SCEP.
const DefaultPath = "/certsrv/mscep/"

const PKIMessageContentType = "application/x-pki-message"

// MaxResponseSize caps how much of a reply is read. Certificate bundles and CRLs fit well inside it.
const MaxResponseSize = 4 << 20

// Response is a successful reply from the SCEP server.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Client sends SCEP operations over HTTP. see https://datatracker.ietf.org/doc/html/rfc8894#section-4.1
type Client struct {
	server     string
	path       string
	httpClient *http.Client
}

// NewClient
/**
builds a client for the given server.
Parameters:
 `server`: base URL to contact, including protocol, host and port e.g. https://certserver.mycompany.com:1234. A trailing / is ignored.
 `path`: path of the SCEP endpoint, DefaultPath if empty
 `httpClient`: client to send requests with, a client with a 30s timeout if nil
*/
func NewClient(server string, path string, httpClient *http.Client) *Client {
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		server:     strings.TrimSuffix(server, "/"),
		path:       path,
		httpClient: httpClient,
	}
}

// RequestURL builds the URL of an operation, with message as its optional "message" parameter.
func (c *Client) RequestURL(operation scep.Operation, message string) string {
	query := url.Values{}
	query.Set("operation", string(operation))
	if message != "" {
		query.Set("message", message)
	}
	return c.server + c.path + "?" + query.Encode()
}

// Get issues a GET for an operation that carries no pkiMessage, such as GetCACaps or GetCACert.
func (c *Client) Get(ctx context.Context, operation scep.Operation, message string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RequestURL(operation, message), nil)
	if err != nil {
		return nil, errors.Becausef(err, ErrTransport, "cannot build %s request", operation)
	}
	return c.do(req, operation)
}

// SendPKIMessage
/**
sends a signed pkiMessage as a PKIOperation. With usePost the message is the body of a POST, which
needs the server to advertise POSTPKIOperation. Otherwise it travels base64 encoded in the query string.
*/
func (c *Client) SendPKIMessage(ctx context.Context, raw []byte, usePost bool) (*Response, error) {
	var req *http.Request
	var err error
	if usePost {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.RequestURL(scep.OpPKIOperation, ""), bytes.NewReader(raw))
		if err == nil {
			req.Header.Set("Content-Type", PKIMessageContentType)
		}
	} else {
		message := base64.StdEncoding.EncodeToString(raw)
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.RequestURL(scep.OpPKIOperation, message), nil)
	}
	if err != nil {
		return nil, errors.Becausef(err, ErrTransport, "cannot build PKIOperation request")
	}
	return c.do(req, scep.OpPKIOperation)
}

func (c *Client) do(req *http.Request, operation scep.Operation) (*Response, error) {
	response, err := c.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("operation", string(operation)).Msg("Could not contact SCEP server")
		return nil, errors.Becausef(err, ErrTransport, "%s %s failed", req.Method, operation)
	}
	defer response.Body.Close()

	rawResponseData, err := io.ReadAll(io.LimitReader(response.Body, MaxResponseSize+1))
	if err != nil {
		return nil, errors.Becausef(err, ErrTransport, "cannot read %s response", operation)
	}
	if len(rawResponseData) > MaxResponseSize {
		log.Error().Str("operation", string(operation)).Msg("Server response too large")
		return nil, errors.Becausef(nil, ErrServer, "%s response is larger than %d bytes", operation, MaxResponseSize)
	}

	if response.StatusCode != http.StatusOK {
		log.Error().Int("status", response.StatusCode).Str("operation", string(operation)).Msg("Server refused request")
		return nil, errors.Becausef(nil, ErrServer, "server responded %d to %s: %s", response.StatusCode, operation, truncate(rawResponseData, 256))
	}

	log.Info().
		Int("status", response.StatusCode).
		Str("operation", string(operation)).
		Int("bytes", len(rawResponseData)).
		Str("content_type", response.Header.Get("Content-Type")).
		Msg("Server responded")
	return &Response{
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
		Body:        rawResponseData,
	}, nil
}

func truncate(body []byte, max int) string {
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
