// Package drive is the storage provider client for Google Drive. It
// authenticates with an OAuth refresh token and stores each asset as a
// file readable by anyone who has its link.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/models/common"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/network"
	"github.com/op/go-logging"
)

const (
	DefaultTokenURL  = "https://oauth2.googleapis.com/token"
	DefaultAPIURL    = "https://www.googleapis.com"
	DefaultUploadURL = "https://www.googleapis.com"
)

// cleanupTimeout bounds the delete of a file that could not be shared.
const cleanupTimeout = 30 * time.Second

// Client talks to the Drive v3 REST API.
type Client struct {
	settings common.DriveCredentials
	http     *network.ProviderHTTPClient
	logger   *logging.Logger
	now      func() time.Time
}

func NewClient(settings common.DriveCredentials, logger *logging.Logger) *Client {
	if settings.TokenURL == "" {
		settings.TokenURL = DefaultTokenURL
	}
	if settings.APIURL == "" {
		settings.APIURL = DefaultAPIURL
	}
	if settings.UploadURL == "" {
		settings.UploadURL = DefaultUploadURL
	}
	settings.APIURL = strings.TrimSuffix(settings.APIURL, "/")
	settings.UploadURL = strings.TrimSuffix(settings.UploadURL, "/")
	return &Client{
		settings: settings,
		http:     network.NewProviderHTTPClient(constants.ProviderDrive, logger).
			WithSecrets(settings.ClientSecret, settings.RefreshToken),
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Client) Name() service.StorageProvider {
	return service.DriveProvider
}

type tokenReply struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
}

type fileReply struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	MimeType       string `json:"mimeType"`
	WebContentLink string `json:"webContentLink"`
}

// Authenticate exchanges the refresh token for an access token.
func (c *Client) Authenticate(ctx context.Context) (*service.ProviderCredential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.settings.ClientID)
	form.Set("client_secret", c.settings.ClientSecret)
	form.Set("refresh_token", c.settings.RefreshToken)
	req, err := http.NewRequest(http.MethodPost, c.settings.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp := network.NewProviderResponse(constants.FormatJSON)
	c.http.DoRequest(ctx, resp, req)
	if resp.Error != nil {
		if status := resp.StatusCode(); status == http.StatusBadRequest || status == http.StatusUnauthorized {
			return nil, fmt.Errorf("drive token refresh: %v: %w", resp.Error, credentials.ErrAuthRejected)
		}
		return nil, resp.Error
	}
	reply := &tokenReply{}
	if err := resp.Decode(reply); err != nil {
		return nil, fmt.Errorf("drive token reply: %w", err)
	}
	if reply.AccessToken == "" {
		return nil, fmt.Errorf("drive token reply has no access token: %w", credentials.ErrAuthRejected)
	}
	now := c.now().UTC()
	cred := &service.ProviderCredential{
		Provider:    service.DriveProvider,
		AccessToken: reply.AccessToken,
		IssuedAt:    now,
	}
	if reply.ExpiresIn > 0 {
		cred.ExpiresAt = now.Add(time.Duration(reply.ExpiresIn) * time.Second)
	}
	return cred, nil
}

// Upload sends a multipart/related request holding the file metadata
// and its bytes, then shares the new file with anyone holding the link.
func (c *Client) Upload(ctx context.Context, token, fileName string, content []byte, mimeType string) (*service.StoredAsset, error) {
	body, contentType, err := c.multipartBody(fileName, content, mimeType)
	if err != nil {
		return nil, err
	}
	uploadURL := c.settings.UploadURL + "/upload/drive/v3/files?uploadType=multipart&fields=id,name,mimeType"
	req, err := http.NewRequest(http.MethodPost, uploadURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp := c.do(ctx, req, token)
	if resp.Error != nil {
		return nil, authError(resp)
	}
	file := &fileReply{}
	if err := resp.Decode(file); err != nil {
		return nil, fmt.Errorf("drive upload reply: %w", err)
	}
	if file.ID == "" {
		return nil, fmt.Errorf("drive upload reply has no file id")
	}
	if err := c.share(ctx, token, file.ID); err != nil {
		return nil, c.discardUnshared(ctx, token, file.ID, err)
	}
	return &service.StoredAsset{
		Provider:    service.DriveProvider,
		ExternalID:  file.ID,
		DisplayName: fileName,
		ByteSize:    int64(len(content)),
		MimeType:    mimeType,
	}, nil
}

func (c *Client) multipartBody(fileName string, content []byte, mimeType string) (*bytes.Buffer, string, error) {
	metadata := map[string]interface{}{
		"name":     fileName,
		"mimeType": mimeType,
	}
	if c.settings.FolderID != "" {
		metadata["parents"] = []string{c.settings.FolderID}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, "", err
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := writer.CreatePart(metaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(metaJSON); err != nil {
		return nil, "", err
	}
	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", mimeType)
	part, err = writer.CreatePart(mediaHeader)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, "multipart/related; boundary=" + writer.Boundary(), nil
}

func (c *Client) share(ctx context.Context, token, fileID string) error {
	permission := []byte(`{"role":"reader","type":"anyone"}`)
	permURL := fmt.Sprintf("%s/drive/v3/files/%s/permissions", c.settings.APIURL, url.PathEscape(fileID))
	req, err := http.NewRequest(http.MethodPost, permURL, bytes.NewReader(permission))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp := c.do(ctx, req, token)
	if resp.Error != nil {
		return fmt.Errorf("share drive file %s: %w", fileID, authError(resp))
	}
	return nil
}

// discardUnshared deletes a file whose share failed, since no link
// can reach it. If the delete fails too, the share error loses its
// ErrAuthRejected mark so the gateway does not upload a second copy
// under a fresh token.
func (c *Client) discardUnshared(ctx context.Context, token, fileID string, shareErr error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	unshared := &service.StoredAsset{Provider: service.DriveProvider, ExternalID: fileID}
	outcome, err := c.Delete(cleanupCtx, token, unshared)
	if err == nil {
		c.logger.Infof("Removed Drive file %s after its share failed (%s)", fileID, outcome)
		return shareErr
	}
	c.logger.Warningf("Drive file %s could not be shared or removed; delete it by hand: %s", fileID, err.Error())
	return fmt.Errorf("%v; file %s was left in place: %v", shareErr, fileID, err)
}

// DownloadLink returns the file's webContentLink, or the standard
// export URL when Drive leaves that field empty.
func (c *Client) DownloadLink(ctx context.Context, token string, asset *service.StoredAsset) (string, error) {
	fileURL := fmt.Sprintf("%s/drive/v3/files/%s?fields=webContentLink", c.settings.APIURL, url.PathEscape(asset.ExternalID))
	req, err := http.NewRequest(http.MethodGet, fileURL, nil)
	if err != nil {
		return "", err
	}
	resp := c.do(ctx, req, token)
	if resp.Error != nil {
		return "", authError(resp)
	}
	file := &fileReply{}
	if err := resp.Decode(file); err != nil {
		return "", fmt.Errorf("drive file reply: %w", err)
	}
	if file.WebContentLink != "" {
		return file.WebContentLink, nil
	}
	return fmt.Sprintf("https://drive.google.com/uc?id=%s&export=download", url.QueryEscape(asset.ExternalID)), nil
}

// Delete removes the file. Drive answers 204 on success and 404 if the
// file is already gone.
func (c *Client) Delete(ctx context.Context, token string, asset *service.StoredAsset) (string, error) {
	fileURL := fmt.Sprintf("%s/drive/v3/files/%s", c.settings.APIURL, url.PathEscape(asset.ExternalID))
	req, err := http.NewRequest(http.MethodDelete, fileURL, nil)
	if err != nil {
		return constants.DeleteFailed, err
	}
	resp := c.do(ctx, req, token)
	if resp.ObjectNotFound() {
		return constants.DeleteNotFound, nil
	}
	if resp.Error != nil {
		return constants.DeleteFailed, authError(resp)
	}
	return constants.DeleteDeleted, nil
}

func (c *Client) do(ctx context.Context, req *http.Request, token string) *network.ProviderResponse {
	req.Header.Set("Authorization", "Bearer "+token)
	resp := network.NewProviderResponse(constants.FormatJSON)
	c.http.DoRequest(ctx, resp, req)
	return resp
}

// authError marks a 401 reply as ErrAuthRejected so the gateway
// refreshes the token and tries once more.
func authError(resp *network.ProviderResponse) error {
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%v: %w", resp.Error, credentials.ErrAuthRejected)
	}
	return resp.Error
}
