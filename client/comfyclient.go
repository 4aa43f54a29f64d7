package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var ErrMissingServer = errors.New("no server address configured")

// ComfyClient is the top level object that allows for interaction with the queue backend
type ComfyClient struct {
	baseURL    *url.URL
	clientid   string
	httpclient *http.Client
}

// NewComfyClient creates a new client for the server at serverURL, e.g.
// "http://127.0.0.1:8188". An address without a scheme is treated as http.
func NewComfyClient(serverURL string) (*ComfyClient, error) {
	base, err := ParseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	retv := &ComfyClient{
		baseURL:    base,
		clientid:   uuid.New().String(),
		httpclient: &http.Client{},
	}
	return retv, nil
}

// ParseServerURL normalises and validates a server address
func ParseServerURL(serverURL string) (*url.URL, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return nil, ErrMissingServer
	}
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", serverURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// ClientID returns the unique client ID used to route progress messages to this client
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

// set the underlying http client
func (c *ComfyClient) SetHttpClient(client *http.Client) {
	c.httpclient = client
}

// BaseURL returns the normalised server address
func (c *ComfyClient) BaseURL() string {
	return c.baseURL.String()
}

func (c *ComfyClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// websocketURL is the progress channel address for this client
func (c *ComfyClient) websocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = c.baseURL.Path + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientid}}.Encode()
	return u.String()
}

// do performs the request after checking for cancellation. The body is
// always read and closed; non-2xx responses become a *RequestError.
func (c *ComfyClient) do(ctx context.Context, stage Stage, req *http.Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.httpclient.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Stage: stage, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestError{Stage: stage, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{Stage: stage, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
