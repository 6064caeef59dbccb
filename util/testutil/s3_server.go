package testutil

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

const StagingBucket = "fulfillment-staging"

type s3Object struct {
	data        []byte
	contentType string
	etag        string
	meta        http.Header
	modified    time.Time
}

// S3Server is a minimal in-memory S3 endpoint for the staging client
// tests. It handles the path-style bucket and object calls minio-go
// makes for put, get, stat and remove, and nothing else.
type S3Server struct {
	server  *httptest.Server
	URL     string
	mutex   sync.Mutex
	buckets map[string]map[string]*s3Object
}

func NewS3Server() *S3Server {
	s := &S3Server{
		buckets: map[string]map[string]*s3Object{
			StagingBucket: make(map[string]*s3Object),
		},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = s.server.URL
	return s
}

// Host returns host:port, which is what minio.New expects.
func (s *S3Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

func (s *S3Server) Close() {
	s.server.Close()
}

func (s *S3Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if key == "" {
		s.handleBucket(w, r, bucket)
		return
	}
	objects, ok := s.buckets[bucket]
	if !ok {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket", bucket)
		return
	}
	switch r.Method {
	case http.MethodPut:
		data, err := readS3Body(r)
		if err != nil {
			writeS3Error(w, http.StatusBadRequest, "IncompleteBody", err.Error())
			return
		}
		sum := md5.Sum(data)
		obj := &s3Object{
			data:        data,
			contentType: r.Header.Get("Content-Type"),
			etag:        hex.EncodeToString(sum[:]),
			meta:        make(http.Header),
			modified:    time.Now().UTC(),
		}
		for name, values := range r.Header {
			if strings.HasPrefix(name, "X-Amz-Meta-") {
				obj.meta[name] = values
			}
		}
		objects[key] = obj
		w.Header().Set("ETag", `"`+obj.etag+`"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		obj, ok := objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchKey", key)
			return
		}
		for name, values := range obj.meta {
			w.Header()[name] = values
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("ETag", `"`+obj.etag+`"`)
		w.Header().Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(obj.data)
		}
	case http.MethodDelete:
		delete(objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (s *S3Server) handleBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	_, exists := s.buckets[bucket]
	switch r.Method {
	case http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if !exists {
			s.buckets[bucket] = make(map[string]*s3Object)
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		// GetBucketLocation
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

// readS3Body returns the object bytes from a PUT. minio-go signs
// uploads over plain http with the aws-chunked streaming format, which
// wraps each chunk in a size line and a signature.
func readS3Body(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	reader := bufio.NewReader(r.Body)
	var data bytes.Buffer
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chunk header %q", line)
		}
		if size == 0 {
			return data.Bytes(), nil
		}
		if _, err := io.CopyN(&data, reader, size); err != nil {
			return nil, err
		}
		// CRLF after chunk data
		if _, err := reader.Discard(2); err != nil {
			return nil, err
		}
	}
}

func writeS3Error(w http.ResponseWriter, status int, code, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><Resource>%s</Resource><RequestId>test</RequestId></Error>`, code, code, resource)
}
