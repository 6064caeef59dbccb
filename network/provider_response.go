package network

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"

	"github.com/digitalgoods/fulfillment-services/constants"
)

// ProviderResponse wraps the reply from a storage provider's REST API.
// Drive replies in JSON and MediaFire in XML; Format says which, and
// Decode is the only place either wire format is parsed.
type ProviderResponse struct {
	// Format is constants.FormatJSON or constants.FormatXML.
	Format string

	// The HTTP request that was (or would have been) sent to the
	// provider. This is useful for logging and debugging.
	Request *http.Request

	// The HTTP Response from the server.
	//
	// Do not try to read Response.Body, since it's already been read
	// and the stream has been closed. Use the RawResponseData()
	// method instead.
	Response *http.Response

	// The error, if any, that occurred while processing this
	// request. Errors may come from the server (4xx or 5xx
	// responses) or from the client (e.g. if it could not
	// parse the response body).
	Error error

	// Indicates whether the HTTP response body has been
	// read (and closed).
	hasBeenRead bool

	// The raw data contained in the body of the HTTP
	// respone.
	data []byte
}

// Creates a new ProviderResponse and returns a pointer to it.
func NewProviderResponse(format string) *ProviderResponse {
	return &ProviderResponse{
		Format:      format,
		hasBeenRead: false,
	}
}

// Returns the raw body of the HTTP response as a byte slice.
// The return value may be nil.
func (resp *ProviderResponse) RawResponseData() ([]byte, error) {
	if !resp.hasBeenRead {
		resp.readResponse()
	}
	return resp.data, resp.Error
}

// Reads the body of an HTTP response object, closes the stream, and
// returns a byte array. The body MUST be closed, or you'll wind up
// with a lot of open network connections.
func (resp *ProviderResponse) readResponse() {
	if !resp.hasBeenRead && resp.Response != nil && resp.Response.Body != nil {
		resp.data, resp.Error = io.ReadAll(resp.Response.Body)
		resp.Response.Body.Close()
		resp.hasBeenRead = true
	}
}

// StatusCode returns the HTTP status of the reply, or zero if the
// request never got one.
func (resp *ProviderResponse) StatusCode() int {
	if resp.Response == nil {
		return 0
	}
	return resp.Response.StatusCode
}

// ObjectNotFound returns true if the provider replied with 404/Not Found.
func (resp *ProviderResponse) ObjectNotFound() bool {
	return resp.StatusCode() == http.StatusNotFound
}

// Decode parses the response body into v according to Format. It
// decodes error bodies too, since MediaFire reports failures inside a
// 200 reply and Drive describes them in a JSON error object.
func (resp *ProviderResponse) Decode(v interface{}) error {
	if !resp.hasBeenRead {
		resp.readResponse()
	}
	if len(resp.data) == 0 {
		return fmt.Errorf("empty %s response body", resp.Format)
	}
	switch resp.Format {
	case constants.FormatJSON:
		return json.Unmarshal(resp.data, v)
	case constants.FormatXML:
		return xml.Unmarshal(resp.data, v)
	}
	return fmt.Errorf("unknown response format %q", resp.Format)
}
