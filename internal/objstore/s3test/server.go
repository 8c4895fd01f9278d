// Package s3test runs an in-memory, single-bucket, read-only S3 endpoint for
// tests: V1 ListObjects with markers and delimiters, HEAD, and single-range
// GET.
package s3test

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var modTime = time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC)

type Server struct {
	srv    *httptest.Server
	bucket string

	mu          sync.Mutex
	objects     map[string][]byte
	objFail     map[string]int
	listFailAt  int
	listFailSts int

	listCalls  atomic.Int64
	headCalls  atomic.Int64
	rangeCalls atomic.Int64
	fullGets   atomic.Int64
}

// New starts the server and closes it when the test ends.
func New(t testing.TB, bucket string) *Server {
	t.Helper()
	s := &Server{
		bucket:  bucket,
		objects: map[string][]byte{},
		objFail: map[string]int{},
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

// Endpoint is host:port, the form object store clients expect.
func (s *Server) Endpoint() string {
	u, _ := url.Parse(s.srv.URL)
	return u.Host
}

func (s *Server) URL() string    { return s.srv.URL }
func (s *Server) Bucket() string { return s.bucket }

func (s *Server) Put(key string, body []byte) {
	s.mu.Lock()
	s.objects[key] = append([]byte(nil), body...)
	s.mu.Unlock()
}

// FailObject makes HEAD and GET for key answer status.
func (s *Server) FailObject(key string, status int) {
	s.mu.Lock()
	s.objFail[key] = status
	s.mu.Unlock()
}

// FailListing makes the page-th list request (1-based, counted from now on)
// and every later one answer status. page<=0 clears the failure.
func (s *Server) FailListing(page, status int) {
	s.mu.Lock()
	if page <= 0 {
		s.listFailAt = 0
	} else {
		s.listFailAt = int(s.listCalls.Load()) + page
	}
	s.listFailSts = status
	s.mu.Unlock()
}

func (s *Server) ListCalls() int64  { return s.listCalls.Load() }
func (s *Server) HeadCalls() int64  { return s.headCalls.Load() }
func (s *Server) RangeCalls() int64 { return s.rangeCalls.Load() }

// FullGets counts GETs that carried no Range header.
func (s *Server) FullGets() int64 { return s.fullGets.Load() }

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != s.bucket {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist.", "/"+bucket)
		return
	}
	if key == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "read-only", r.URL.Path)
			return
		}
		s.list(w, r)
		return
	}
	switch r.Method {
	case http.MethodHead, http.MethodGet:
		s.object(w, r, key)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "read-only", r.URL.Path)
	}
}

type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []listContent  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	n := s.listCalls.Add(1)
	s.mu.Lock()
	failAt, failSts := s.listFailAt, s.listFailSts
	s.mu.Unlock()
	if failAt > 0 && int(n) >= failAt {
		writeError(w, failSts, "AccessDenied", "listing disabled", r.URL.Path)
		return
	}

	q := r.URL.Query()
	prefix := q.Get("prefix")
	marker := q.Get("marker")
	delim := q.Get("delimiter")
	maxKeys := 1000
	if v, err := strconv.Atoi(q.Get("max-keys")); err == nil && v > 0 && v < maxKeys {
		maxKeys = v
	}

	s.mu.Lock()
	all := make([]string, 0, len(s.objects))
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			all = append(all, k)
		}
	}
	sizes := make(map[string][]byte, len(all))
	for _, k := range all {
		sizes[k] = s.objects[k]
	}
	s.mu.Unlock()
	sort.Strings(all)

	res := listBucketResult{
		Xmlns:     "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:      s.bucket,
		Prefix:    prefix,
		Marker:    marker,
		MaxKeys:   maxKeys,
		Delimiter: delim,
	}
	seen := map[string]bool{}
	count := 0
	last := ""
	for _, k := range all {
		if k <= marker {
			continue
		}
		entry := k
		isPrefix := false
		if delim != "" {
			if i := strings.Index(k[len(prefix):], delim); i >= 0 {
				entry = k[:len(prefix)+i+len(delim)]
				isPrefix = true
				if entry <= marker || seen[entry] {
					continue
				}
			}
		}
		if count == maxKeys {
			res.IsTruncated = true
			res.NextMarker = last
			break
		}
		if isPrefix {
			seen[entry] = true
			res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: entry})
		} else {
			body := sizes[k]
			res.Contents = append(res.Contents, listContent{
				Key:          k,
				LastModified: modTime.Format(time.RFC3339),
				ETag:         etag(body),
				Size:         int64(len(body)),
				StorageClass: "STANDARD",
			})
		}
		last = entry
		count++
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_ = xml.NewEncoder(w).Encode(res)
}

func (s *Server) object(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	body, ok := s.objects[key]
	failSts := s.objFail[key]
	s.mu.Unlock()

	if r.Method == http.MethodHead {
		s.headCalls.Add(1)
	}
	if failSts != 0 {
		if r.Method == http.MethodHead {
			w.WriteHeader(failSts)
			return
		}
		writeError(w, failSts, "InternalError", "injected failure", r.URL.Path)
		return
	}
	if !ok {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", r.URL.Path)
		return
	}

	total := int64(len(body))
	h := w.Header()
	h.Set("Last-Modified", modTime.Format(http.TimeFormat))
	h.Set("ETag", etag(body))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "application/octet-stream")

	if r.Method == http.MethodHead {
		h.Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	rng := r.Header.Get("Range")
	if rng == "" {
		s.fullGets.Add(1)
		h.Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
		return
	}
	s.rangeCalls.Add(1)
	start, end, ok := parseRange(rng, total)
	if !ok {
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(total, 10))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable", r.URL.Path)
		return
	}
	h.Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(total, 10))
	h.Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(body[start : end+1])
}

// parseRange accepts a single "bytes=" range; end is inclusive.
func parseRange(hdr string, total int64) (int64, int64, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(hdr, prefix) {
		return 0, 0, false
	}
	seg, _, _ := strings.Cut(strings.TrimPrefix(hdr, prefix), ",")
	a, b, found := strings.Cut(strings.TrimSpace(seg), "-")
	if !found {
		return 0, 0, false
	}
	if a == "" {
		suf, err := strconv.ParseInt(b, 10, 64)
		if err != nil || suf <= 0 {
			return 0, 0, false
		}
		if suf > total {
			suf = total
		}
		return total - suf, total - 1, true
	}
	start, err := strconv.ParseInt(a, 10, 64)
	if err != nil || start < 0 || start >= total {
		return 0, 0, false
	}
	if b == "" {
		return start, total - 1, true
	}
	end, err := strconv.ParseInt(b, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= total {
		end = total - 1
	}
	return start, end, true
}

func etag(b []byte) string {
	sum := md5.Sum(b)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

type s3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

func writeError(w http.ResponseWriter, status int, code, message, resource string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(s3Error{Code: code, Message: message, Resource: resource})
}
