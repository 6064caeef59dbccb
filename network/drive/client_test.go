package drive_test

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/digitalgoods/fulfillment-services/constants"
	"github.com/digitalgoods/fulfillment-services/credentials"
	"github.com/digitalgoods/fulfillment-services/models/common"
	"github.com/digitalgoods/fulfillment-services/models/service"
	"github.com/digitalgoods/fulfillment-services/network/drive"
	"github.com/digitalgoods/fulfillment-services/util/logger"
	"github.com/digitalgoods/fulfillment-services/util/testutil"
	"github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fileID      = "1Zx8vQk3aP0dRr4uJmT6yHbLcW2nE5sFo"
	accessToken = "ya29.a0AfB_byC3xT9-drive-fixture-access-token"
)

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

func fixture(name string) string {
	return testutil.PathToProviderFixture("drive", name)
}

func jsonFile(status int, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		data, _ := testutil.ReadProviderFixture("drive", name)
		w.Write(data)
	}
}

func newServer(t *testing.T, mux *http.ServeMux) (*drive.Client, *testutil.RequestRecorder) {
	recorder := testutil.NewRequestRecorder(mux)
	server := httptest.NewServer(recorder)
	t.Cleanup(server.Close)
	log, _ := logger.InitLogger("", logging.DEBUG)
	client := drive.NewClient(common.DriveCredentials{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: "1//refresh-token",
		TokenURL:     server.URL + "/token",
		APIURL:       server.URL,
		UploadURL:    server.URL,
		FolderID:     "folder-123",
	}, log)
	return client, recorder
}

func asset() *service.StoredAsset {
	return &service.StoredAsset{Provider: service.DriveProvider, ExternalID: fileID}
}

func TestAuthenticate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", testutil.HttpFileResponder(jsonHeaders, fixture("token.json")))
	client, recorder := newServer(t, mux)

	cred, err := client.Authenticate(context.Background())
	require.Nil(t, err)
	assert.Equal(t, service.DriveProvider, cred.Provider)
	assert.Equal(t, accessToken, cred.AccessToken)
	assert.False(t, cred.NeverExpires())
	assert.InDelta(t, 3599, cred.ExpiresAt.Sub(cred.IssuedAt).Seconds(), 1)

	requests := recorder.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPost, requests[0].Method)
	form, err := url.ParseQuery(string(requests[0].Body))
	require.Nil(t, err)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "1//refresh-token", form.Get("refresh_token"))
	assert.Equal(t, "client-id", form.Get("client_id"))
}

func TestAuthenticateRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", jsonFile(http.StatusBadRequest, "token_invalid_grant.json"))
	client, _ := newServer(t, mux)
	_, err := client.Authenticate(context.Background())
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, credentials.ErrAuthRejected))
}

func TestAuthenticateServerError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", testutil.HttpStatusResponder(http.StatusServiceUnavailable))
	client, _ := newServer(t, mux)
	_, err := client.Authenticate(context.Background())
	require.NotNil(t, err)
	assert.False(t, errors.Is(err, credentials.ErrAuthRejected))
	assert.Equal(t, http.StatusServiceUnavailable, common.StatusCodeOf(err))
}

func TestUpload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/drive/v3/files", testutil.HttpFileResponder(jsonHeaders, fixture("upload.json")))
	mux.HandleFunc("/drive/v3/files/"+fileID+"/permissions", testutil.HttpFileResponder(jsonHeaders, fixture("permission.json")))
	client, recorder := newServer(t, mux)

	uploaded, err := client.Upload(context.Background(), accessToken, testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
	require.Nil(t, err)
	assert.Equal(t, service.DriveProvider, uploaded.Provider)
	assert.Equal(t, fileID, uploaded.ExternalID)
	assert.Equal(t, testutil.FileName, uploaded.DisplayName)
	assert.EqualValues(t, len(testutil.AssetBytes), uploaded.ByteSize)

	requests := recorder.Requests()
	require.Len(t, requests, 2)
	upload := requests[0]
	assert.Equal(t, "Bearer "+accessToken, upload.Header.Get("Authorization"))
	assert.Contains(t, upload.Query, "uploadType=multipart")
	mediaType, params, err := mime.ParseMediaType(upload.Header.Get("Content-Type"))
	require.Nil(t, err)
	assert.Equal(t, "multipart/related", mediaType)
	assert.NotEmpty(t, params["boundary"])
	body := string(upload.Body)
	assert.Contains(t, body, `"name":"ulysses.epub"`)
	assert.Contains(t, body, `"parents":["folder-123"]`)
	assert.Contains(t, body, testutil.AssetBytes)

	share := requests[1]
	assert.Equal(t, http.MethodPost, share.Method)
	assert.Contains(t, string(share.Body), `"type":"anyone"`)
	assert.Contains(t, string(share.Body), `"role":"reader"`)
}

func TestUploadUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/drive/v3/files", jsonFile(http.StatusUnauthorized, "unauthorized.json"))
	client, _ := newServer(t, mux)
	_, err := client.Upload(context.Background(), "stale", testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, credentials.ErrAuthRejected))
}

func shareFailureServer(t *testing.T, shareStatus, deleteStatus int) (*drive.Client, *testutil.RequestRecorder) {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload/drive/v3/files", testutil.HttpFileResponder(jsonHeaders, fixture("upload.json")))
	mux.HandleFunc("/drive/v3/files/"+fileID+"/permissions", testutil.HttpStatusResponder(shareStatus))
	mux.HandleFunc("/drive/v3/files/"+fileID, testutil.HttpStatusResponder(deleteStatus))
	return newServer(t, mux)
}

func TestUploadShareFails(t *testing.T) {
	client, recorder := shareFailureServer(t, http.StatusInternalServerError, http.StatusNoContent)
	_, err := client.Upload(context.Background(), accessToken, testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), fileID)

	// The unshared file is removed rather than left behind.
	requests := recorder.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, http.MethodDelete, requests[2].Method)
	assert.Equal(t, "/drive/v3/files/"+fileID, requests[2].Path)
	assert.Equal(t, "Bearer "+accessToken, requests[2].Header.Get("Authorization"))
}

func TestUploadShareUnauthorizedRemovesFile(t *testing.T) {
	client, recorder := shareFailureServer(t, http.StatusUnauthorized, http.StatusNoContent)
	_, err := client.Upload(context.Background(), accessToken, testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
	require.NotNil(t, err)
	// The file is gone, so a retry under a fresh token cannot duplicate it.
	assert.True(t, errors.Is(err, credentials.ErrAuthRejected))
	requests := recorder.Requests()
	require.Len(t, requests, 3)
	assert.Equal(t, http.MethodDelete, requests[2].Method)
}

func TestUploadShareAndCleanupFail(t *testing.T) {
	client, recorder := shareFailureServer(t, http.StatusUnauthorized, http.StatusUnauthorized)
	_, err := client.Upload(context.Background(), accessToken, testutil.FileName, []byte(testutil.AssetBytes), testutil.MimeType)
	require.NotNil(t, err)
	// The file is still there, so the error must not invite a re-upload.
	assert.False(t, errors.Is(err, credentials.ErrAuthRejected))
	assert.Contains(t, err.Error(), "left in place")
	assert.Equal(t, http.MethodDelete, recorder.Requests()[2].Method)
}

func TestDownloadLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v3/files/"+fileID, testutil.HttpFileResponder(jsonHeaders, fixture("file_links.json")))
	client, recorder := newServer(t, mux)
	link, err := client.DownloadLink(context.Background(), accessToken, asset())
	require.Nil(t, err)
	assert.Equal(t, "https://drive.google.com/uc?id="+fileID+"&export=download", link)
	assert.Equal(t, "fields=webContentLink", recorder.Requests()[0].Query)
}

func TestDownloadLinkFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/drive/v3/files/"+fileID, testutil.HttpFileResponder(jsonHeaders, fixture("file_no_link.json")))
	client, _ := newServer(t, mux)
	link, err := client.DownloadLink(context.Background(), accessToken, asset())
	require.Nil(t, err)
	assert.True(t, strings.HasPrefix(link, "https://drive.google.com/uc?id="+fileID))
}

func TestDelete(t *testing.T) {
	cases := map[int]string{
		http.StatusNoContent:           constants.DeleteDeleted,
		http.StatusNotFound:            constants.DeleteNotFound,
		http.StatusInternalServerError: constants.DeleteFailed,
		http.StatusUnauthorized:        constants.DeleteFailed,
	}
	for status, expected := range cases {
		mux := http.NewServeMux()
		mux.HandleFunc("/drive/v3/files/"+fileID, testutil.HttpStatusResponder(status))
		client, recorder := newServer(t, mux)
		outcome, err := client.Delete(context.Background(), accessToken, asset())
		assert.Equal(t, expected, outcome, "status %d", status)
		if expected == constants.DeleteFailed {
			assert.NotNil(t, err)
		} else {
			assert.Nil(t, err)
		}
		if status == http.StatusUnauthorized {
			assert.True(t, errors.Is(err, credentials.ErrAuthRejected))
		}
		assert.Equal(t, http.MethodDelete, recorder.Requests()[0].Method)
	}
}
