package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

type snapshot struct {
	status  int
	headers http.Header
	body    []byte
}

type snapshotWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w snapshotWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w snapshotWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cache serves repeated GET reads from an in-memory snapshot. The UI polls
// HOS windows several times a second; a short TTL keeps those reads off
// the store without letting a driver see a stale forced transition. A
// "Cache-Control: no-cache" request header bypasses the snapshot.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}
		if c.GetHeader("Cache-Control") == "no-cache" {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		if hit, found := store.Get(key); found {
			snap := hit.(snapshot)
			c.Writer.WriteHeader(snap.status)
			for k, v := range snap.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Write(snap.body)
			c.Abort()
			return
		}

		sw := &snapshotWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = sw

		c.Next()

		if sw.Status() >= 200 && sw.Status() < 300 {
			store.Set(key, snapshot{
				status:  sw.Status(),
				headers: sw.Header().Clone(),
				body:    sw.body.Bytes(),
			}, ttl)
		}
	}
}
