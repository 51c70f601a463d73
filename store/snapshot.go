package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// Snapshot is an immutable copy of a response captured when it was stored.
type Snapshot struct {
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	CachedAt   time.Time
	Digest     offlinecache.Hash
}

// Capture reads resp fully and returns a snapshot of it.
// resp.Body is replaced with a reader over the captured bytes so the caller
// can still return the live response. Bodies larger than MaxPayloadSize are
// rejected with ErrPayloadTooLarge; resp.Body stays readable in that case too.
func Capture(resp *http.Response, now time.Time) (*Snapshot, error) {
	var body []byte
	if resp.Body != nil {
		orig := resp.Body
		data, err := io.ReadAll(io.LimitReader(orig, MaxPayloadSize+1))
		if err != nil || len(data) > MaxPayloadSize {
			// Hand the unread remainder back to the caller untouched.
			resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(data), orig), Closer: orig}
			if err != nil {
				return nil, fmt.Errorf("reading response body: %w", err)
			}
			return nil, ErrPayloadTooLarge
		}
		_ = orig.Close()
		body = data
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	u := ""
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL.String()
	}

	return &Snapshot{
		URL:        u,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       bytes.Clone(body),
		CachedAt:   now.UTC(),
		Digest:     offlinecache.HashBytes(body),
	}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Response builds a fresh *http.Response from the snapshot for req.
// Every call returns an independent body reader and header map.
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	status := s.Status
	if status == "" {
		status = strconv.Itoa(s.StatusCode) + " " + http.StatusText(s.StatusCode)
	}
	return &http.Response{
		Status:        status,
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Header = s.Header.Clone()
	c.Body = bytes.Clone(s.Body)
	return &c
}
