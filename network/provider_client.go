package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digitalgoods/fulfillment-services/models/common"
	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/op/go-logging"
)

// secretParams are query parameters whose values are redacted before a
// URL is logged or copied into an error.
var secretParams = []string{"access_token", "password", "session_token", "signature"}

// ProviderHTTPClient issues requests to a storage provider's REST API.
// The provider clients in network/drive and network/mediafire build
// requests and decode replies; this type does the I/O, timing, logging
// and error mapping they have in common.
type ProviderHTTPClient struct {
	Provider   string
	httpClient *http.Client
	logger     *logging.Logger
	secrets    []string
}

// NewProviderHTTPClient returns a client for the named provider. Request
// deadlines come from the context passed to DoRequest, so the
// http.Client itself has no timeout.
func NewProviderHTTPClient(provider string, logger *logging.Logger) *ProviderHTTPClient {
	transport := &http.Transport{
		DisableKeepAlives:   false,
		ForceAttemptHTTP2:   true,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &ProviderHTTPClient{
		Provider:   provider,
		httpClient: &http.Client{Transport: transport},
		logger:     logger,
	}
}

// WithSecrets lists configured secrets (client secrets, passwords, app
// keys) that must be scrubbed from reply bodies copied into errors.
func (client *ProviderHTTPClient) WithSecrets(secrets ...string) *ProviderHTTPClient {
	client.secrets = append(client.secrets, secrets...)
	return client
}

// requestSecrets returns the configured secrets plus the token the
// request carries in its Authorization header or query string.
func (client *ProviderHTTPClient) requestSecrets(request *http.Request) []string {
	secrets := append([]string{}, client.secrets...)
	if auth := request.Header.Get("Authorization"); auth != "" {
		secrets = append(secrets, strings.TrimPrefix(auth, "Bearer "))
	}
	query := request.URL.Query()
	for _, param := range secretParams {
		if value := query.Get(param); value != "" {
			secrets = append(secrets, value)
		}
	}
	return secrets
}

// DoRequest issues an HTTP request, reads the response, and closes the
// connection to the remote server.
//
// If an error occurs, it will be recorded in resp.Error. A reply with
// status 400 or above becomes a *common.HttpError carrying the status,
// so callers can map 401 and 404 to their own outcomes.
func (client *ProviderHTTPClient) DoRequest(ctx context.Context, resp *ProviderResponse, request *http.Request) {
	request = request.WithContext(ctx)
	resp.Request = request
	safeURL := RedactURL(request.URL)

	// Issue the HTTP request
	reqTime := time.Now()
	var err error
	resp.Response, err = client.httpClient.Do(request)
	if err != nil {
		// url.Error repeats the full URL, secrets and all.
		if urlErr, ok := err.(*url.Error); ok {
			err = urlErr.Err
		}
		resp.Error = common.NewHttpError(
			fmt.Sprintf("%s %s %s: %s", client.Provider, request.Method, safeURL, err.Error()),
			err, request.Method, safeURL, 0)
		client.logger.Warningf("%s %s %s failed after %s: %s", client.Provider, request.Method, safeURL, time.Since(reqTime), err.Error())
		return
	}
	client.logger.Debugf("%s %s %s returned %d in %s", client.Provider, request.Method, safeURL, resp.Response.StatusCode, time.Since(reqTime))

	// Read the response data and close the response body.
	// That's the only way to close the remote HTTP connection,
	// which will otherwise stay open indefinitely.
	resp.readResponse()

	if resp.Error == nil && resp.Response.StatusCode >= 400 {
		// Some providers echo request parameters in error bodies.
		body := logger.RedactAll(string(resp.data), client.requestSecrets(request)...)
		if len(body) > 512 {
			body = body[:512]
		}
		resp.Error = common.NewHttpError(
			fmt.Sprintf("%s returned status code %d. %s %s - Body: %s",
				client.Provider, resp.Response.StatusCode, request.Method, safeURL, body),
			nil, request.Method, safeURL, resp.Response.StatusCode)
	}
}

// RedactURL returns u as a string with the values of secret query
// parameters shortened by logger.Redact.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	query := u.Query()
	changed := false
	for _, param := range secretParams {
		if value := query.Get(param); value != "" {
			query.Set(param, logger.Redact(value))
			changed = true
		}
	}
	if !changed {
		return u.String()
	}
	copied := *u
	copied.RawQuery = query.Encode()
	// Encode escapes the asterisks Redact adds. Put them back so the
	// log stays readable.
	copied.RawQuery = strings.ReplaceAll(copied.RawQuery, "%2A", "*")
	return copied.String()
}
