// Package mediafire is the storage provider client for MediaFire. It
// signs in with account credentials for a session token and talks to
// the XML flavor of the 1.5 API.
package mediafire

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/models/common"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/network"
	"github.com/op/go-logging"
)

const DefaultAPIURL = "https://www.mediafire.com/api/1.5"

// MediaFire error codes this client acts on.
const (
	ErrCodeInvalidSession  = 105
	ErrCodeInvalidQuickKey = 110
	ErrCodeUnknownQuickKey = 111
	ErrCodeSessionExpired  = 127
)

// pollStatusComplete is the doupload status reported once the file
// has been assigned a quickkey.
const pollStatusComplete = 99

type Client struct {
	settings     common.MediaFireCredentials
	http         *network.ProviderHTTPClient
	logger       *logging.Logger
	pollAttempts int
	pollInterval time.Duration
	now          func() time.Time
}

func NewClient(settings common.MediaFireCredentials, logger *logging.Logger) *Client {
	if settings.APIURL == "" {
		settings.APIURL = DefaultAPIURL
	}
	settings.APIURL = strings.TrimSuffix(settings.APIURL, "/")
	return &Client{
		settings:     settings,
		http:         network.NewProviderHTTPClient(constants.ProviderMediaFire, logger).
			WithSecrets(settings.Password, settings.AppKey),
		logger:       logger,
		pollAttempts: 10,
		pollInterval: time.Second,
		now:          time.Now,
	}
}

// WithPolling sets how many times, and how often, Upload asks whether
// MediaFire has finished processing a new file.
func (c *Client) WithPolling(attempts int, interval time.Duration) *Client {
	if attempts > 0 {
		c.pollAttempts = attempts
	}
	if interval >= 0 {
		c.pollInterval = interval
	}
	return c
}

func (c *Client) Name() service.StorageProvider {
	return service.MediaFireProvider
}

// reply holds the fields of every MediaFire response this client reads.
type reply struct {
	Result       string `xml:"result"`
	Error        int    `xml:"error"`
	Message      string `xml:"message"`
	SessionToken string `xml:"session_token"`
	Upload       struct {
		Result   int    `xml:"result"`
		Key      string `xml:"key"`
		Status   int    `xml:"status"`
		QuickKey string `xml:"quickkey"`
	} `xml:"doupload"`
	Links []struct {
		QuickKey       string `xml:"quickkey"`
		DirectDownload string `xml:"direct_download"`
	} `xml:"links>link"`
}

func (r *reply) succeeded() bool {
	return r.Result == "Success"
}

func (r *reply) authRejected() bool {
	return r.Error == ErrCodeInvalidSession || r.Error == ErrCodeSessionExpired
}

func (r *reply) err(action string) error {
	err := fmt.Errorf("mediafire %s: error %d: %s", action, r.Error, r.Message)
	if r.authRejected() {
		return fmt.Errorf("%v: %w", err, credentials.ErrAuthRejected)
	}
	return err
}

// Signature is the hex SHA1 of email, password, application ID and
// application key concatenated.
func Signature(email, password, appID, appKey string) string {
	sum := sha1.Sum([]byte(email + password + appID + appKey))
	return hex.EncodeToString(sum[:])
}

// Authenticate requests a session token. MediaFire does not say when
// one expires, so it is given constants.SessionTokenLifetime.
func (c *Client) Authenticate(ctx context.Context) (*service.ProviderCredential, error) {
	params := url.Values{}
	params.Set("email", c.settings.Email)
	params.Set("password", c.settings.Password)
	params.Set("application_id", c.settings.AppID)
	params.Set("signature", Signature(c.settings.Email, c.settings.Password, c.settings.AppID, c.settings.AppKey))
	params.Set("token_version", "1")
	r, err := c.call(ctx, http.MethodGet, "user/get_session_token.php", params, nil, nil)
	if err != nil {
		return nil, err
	}
	if !r.succeeded() {
		return nil, fmt.Errorf("mediafire sign-in: error %d: %s: %w", r.Error, r.Message, credentials.ErrAuthRejected)
	}
	if r.SessionToken == "" {
		return nil, fmt.Errorf("mediafire sign-in reply has no session token")
	}
	now := c.now().UTC()
	return &service.ProviderCredential{
		Provider:    service.MediaFireProvider,
		AccessToken: r.SessionToken,
		IssuedAt:    now,
		ExpiresAt:   now.Add(constants.SessionTokenLifetime),
	}, nil
}

// Upload posts the raw bytes and then polls until MediaFire assigns the
// file a quickkey, which is its permanent ID.
func (c *Client) Upload(ctx context.Context, token, fileName string, content []byte, mimeType string) (*service.StoredAsset, error) {
	params := url.Values{}
	params.Set("session_token", token)
	params.Set("action_on_duplicate", "keep")
	headers := map[string]string{
		"x-filename":   fileName,
		"x-filesize":   strconv.Itoa(len(content)),
		"Content-Type": "application/octet-stream",
	}
	r, err := c.call(ctx, http.MethodPost, "upload/simple.php", params, content, headers)
	if err != nil {
		return nil, err
	}
	if !r.succeeded() {
		return nil, r.err("upload")
	}
	if r.Upload.Result != 0 || r.Upload.Key == "" {
		return nil, fmt.Errorf("mediafire upload of %s was refused: doupload result %d", fileName, r.Upload.Result)
	}
	quickKey, err := c.pollUpload(ctx, token, r.Upload.Key)
	if err != nil {
		return nil, err
	}
	return &service.StoredAsset{
		Provider:    service.MediaFireProvider,
		ExternalID:  quickKey,
		DisplayName: fileName,
		ByteSize:    int64(len(content)),
		MimeType:    mimeType,
	}, nil
}

func (c *Client) pollUpload(ctx context.Context, token, key string) (string, error) {
	params := url.Values{}
	params.Set("session_token", token)
	params.Set("key", key)
	for attempt := 1; attempt <= c.pollAttempts; attempt++ {
		r, err := c.call(ctx, http.MethodGet, "upload/poll_upload.php", params, nil, nil)
		if err != nil {
			return "", err
		}
		if !r.succeeded() {
			return "", r.err("poll upload")
		}
		if r.Upload.QuickKey != "" {
			return r.Upload.QuickKey, nil
		}
		if r.Upload.Status == pollStatusComplete {
			return "", fmt.Errorf("mediafire finished upload %s without a quickkey", key)
		}
		c.logger.Debugf("MediaFire upload %s not ready (status %d), attempt %d of %d", key, r.Upload.Status, attempt, c.pollAttempts)
		if attempt < c.pollAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.pollInterval):
			}
		}
	}
	return "", fmt.Errorf("mediafire upload %s still processing after %d polls", key, c.pollAttempts)
}

// DownloadLink asks for the file's direct download link.
func (c *Client) DownloadLink(ctx context.Context, token string, asset *service.StoredAsset) (string, error) {
	params := url.Values{}
	params.Set("session_token", token)
	params.Set("quick_key", asset.ExternalID)
	params.Set("link_type", "direct_download")
	r, err := c.call(ctx, http.MethodGet, "file/get_links.php", params, nil, nil)
	if err != nil {
		return "", err
	}
	if !r.succeeded() {
		return "", r.err("get links")
	}
	for _, link := range r.Links {
		if link.DirectDownload != "" {
			return link.DirectDownload, nil
		}
	}
	return "", fmt.Errorf("mediafire returned no direct download link for %s", asset.ExternalID)
}

// Delete removes the file. Unknown quickkeys count as already gone.
func (c *Client) Delete(ctx context.Context, token string, asset *service.StoredAsset) (string, error) {
	params := url.Values{}
	params.Set("session_token", token)
	params.Set("quick_key", asset.ExternalID)
	r, err := c.call(ctx, http.MethodGet, "file/delete.php", params, nil, nil)
	if err != nil {
		return constants.DeleteFailed, err
	}
	if r.succeeded() {
		return constants.DeleteDeleted, nil
	}
	if r.Error == ErrCodeInvalidQuickKey || r.Error == ErrCodeUnknownQuickKey {
		return constants.DeleteNotFound, nil
	}
	return constants.DeleteFailed, r.err("delete")
}

// call sends one API request and decodes the XML reply. MediaFire
// sometimes reports errors with a 4xx status and an XML body, so a body
// that decodes is returned even when the status is an error.
func (c *Client) call(ctx context.Context, method, action string, params url.Values, body []byte, headers map[string]string) (*reply, error) {
	params.Set("response_format", constants.FormatXML)
	endpoint := fmt.Sprintf("%s/%s?%s", c.settings.APIURL, action, params.Encode())
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequest(method, endpoint, bytes.NewReader(body))
	} else {
		req, err = http.NewRequest(method, endpoint, nil)
	}
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp := network.NewProviderResponse(constants.FormatXML)
	c.http.DoRequest(ctx, resp, req)
	r := &reply{}
	decodeErr := resp.Decode(r)
	if resp.Error != nil {
		if decodeErr == nil && r.Result != "" && !r.succeeded() {
			return r, nil
		}
		return nil, resp.Error
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("mediafire %s reply: %w", action, decodeErr)
	}
	return r, nil
}
