package testutil

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"sync"
)

// These functions allow us to mock http responses from the storage
// providers and from nsqd.

var EmptyHeaders = make(map[string]string, 0)

// Returns an http handler function that returns the contents
// of the specified file, along with the specified headers.
func HttpFileResponder(headers map[string]string, filePath string) http.HandlerFunc {
	f := func(w http.ResponseWriter, r *http.Request) {
		setHeaders(w, headers)
		f, err := os.Open(filePath)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		io.Copy(w, f)
	}
	return http.HandlerFunc(f)
}

// Returns an http handler function that returns the specified
// string, along with the specified headers.
func HttpStringResponder(headers map[string]string, data string) http.HandlerFunc {
	f := func(w http.ResponseWriter, r *http.Request) {
		setHeaders(w, headers)
		w.Write([]byte(data))
	}
	return http.HandlerFunc(f)
}

// Returns an http handler function that writes only a status code.
func HttpStatusResponder(status int) http.HandlerFunc {
	f := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
	return http.HandlerFunc(f)
}

// RecordedRequest is a copy of a request received by a RequestRecorder.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// RequestRecorder wraps a handler and keeps a copy of every request
// that passes through it, so tests can assert on what a client sent.
type RequestRecorder struct {
	handler  http.Handler
	mutex    sync.Mutex
	requests []RecordedRequest
}

func NewRequestRecorder(handler http.Handler) *RequestRecorder {
	return &RequestRecorder{handler: handler}
}

func (rr *RequestRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()
	rr.mutex.Lock()
	rr.requests = append(rr.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
	rr.mutex.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
	rr.handler.ServeHTTP(w, r)
}

// Requests returns a copy of the requests recorded so far.
func (rr *RequestRecorder) Requests() []RecordedRequest {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()
	copied := make([]RecordedRequest, len(rr.requests))
	copy(copied, rr.requests)
	return copied
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	if headers != nil {
		for key, value := range headers {
			w.Header().Set(key, value)
		}
	}
}
