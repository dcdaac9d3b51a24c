package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

// CacheStatusHeader reports whether a GET was answered from the cache.
const CacheStatusHeader = "X-Cache"

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type recordingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// ResponseCache keeps short-lived copies of GET responses, one set per caller.
// Any successful write through InvalidateOnWrite drops every entry, and the
// daily cleanup flushes it after each pass. Lazy expiry of long-term
// reservations happens inside reads and is not tracked, so a cached listing
// can report such a device as occupied for at most one ttl.
type ResponseCache struct {
	entries *cache.Cache
	ttl     time.Duration
}

// NewResponseCache returns a cache holding responses for ttl. A ttl of zero or
// less disables it.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{entries: cache.New(ttl, 10*time.Minute), ttl: ttl}
}

func (rc *ResponseCache) enabled() bool {
	return rc.ttl > 0
}

func (rc *ResponseCache) key(c *gin.Context) string {
	user := ""
	if caller, ok := CallerFrom(c); ok {
		user = caller.User
	}
	return user + "|" + c.Request.RequestURI
}

// Serve answers repeated GETs from the cache.
func (rc *ResponseCache) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || !rc.enabled() {
			c.Next()
			return
		}

		key := rc.key(c)
		if v, found := rc.entries.Get(key); found {
			hit := v.(cachedResponse)
			for k, vals := range hit.headers {
				c.Writer.Header()[k] = vals
			}
			c.Header(CacheStatusHeader, "HIT")
			c.Writer.WriteHeader(hit.status)
			c.Writer.Write(hit.body)
			c.Abort()
			return
		}

		c.Header(CacheStatusHeader, "MISS")
		rec := &recordingWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		if rec.Status() < 200 || rec.Status() >= 300 {
			return
		}
		headers := rec.Header().Clone()
		headers.Del(RequestIDHeader)
		headers.Del(CacheStatusHeader)
		rc.entries.Set(key, cachedResponse{status: rec.Status(), headers: headers, body: rec.body.Bytes()}, rc.ttl)
	}
}

// InvalidateOnWrite flushes the cache after every successful non-GET request.
func (rc *ResponseCache) InvalidateOnWrite() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if !rc.enabled() || c.Request.Method == http.MethodGet {
			return
		}
		if c.Writer.Status() < http.StatusBadRequest {
			rc.Flush()
		}
	}
}

// Flush drops every entry.
func (rc *ResponseCache) Flush() {
	rc.entries.Flush()
}

// Len is the number of live entries.
func (rc *ResponseCache) Len() int {
	return rc.entries.ItemCount()
}
