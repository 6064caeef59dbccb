package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitalgoods/fulfillment-services/models/common"
)

type NSQClient struct {
	URL        string
	httpClient *http.Client
}

// Formally define this so the worker can be tested without nsqd.
type NSQClientInterface interface {
	Publish(topic string, data []byte) error
}

// NewNSQClient returns a new NSQ client that will connect to the NSQ
// server at the specified url. The URL is typically available through
// Config.NsqURL, and usually ends with :4151. This is the URL to which
// we post fulfillment outcomes.
//
// Note that this client provides write access to queue, so we can
// add things. It does not provide read access. The workers do the
// reading.
func NewNSQClient(url string) *NSQClient {
	return &NSQClient{
		URL:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish posts data to the specified NSQ topic.
func (client *NSQClient) Publish(topic string, data []byte) error {
	url := fmt.Sprintf("%s/pub?topic=%s", client.URL, topic)
	resp, err := client.httpClient.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return common.NewHttpError("nsqd returned an error when publishing", err, http.MethodPost, url, 0)
	}

	// nsqd sends a simple OK. We have to read the response body,
	// or the connection will hang open forever.
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyText := "[no response body]"
		if len(body) > 0 {
			bodyText = string(body)
		}
		message := fmt.Sprintf("nsqd returned status code %d when publishing to %s. "+
			"Response body: %s", resp.StatusCode, topic, bodyText)
		return common.NewHttpError(message, nil, http.MethodPost, url, resp.StatusCode)
	}
	return nil
}

// PublishJSON serializes obj and posts it to the specified topic.
func (client *NSQClient) PublishJSON(topic string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return client.Publish(topic, data)
}
