package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// readerPool recycles gzip readers across requests; each request resets one
// onto its own body instead of allocating a fresh decompressor.
var readerPool = sync.Pool{New: func() any { return new(gzip.Reader) }}

// GzipRequestMiddleware transparently inflates gzip-encoded request bodies so
// downstream handlers only ever see plain JSON. A body that does not start
// with a valid gzip header is rejected with a 400 response.
func GzipRequestMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !requestIsGzipped(req.Header) {
				return next(c)
			}

			gz := readerPool.Get().(*gzip.Reader)
			if err := gz.Reset(req.Body); err != nil {
				readerPool.Put(gz)
				_ = req.Body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			orig := req.Body
			req.Body = &gzipBody{gz: gz, orig: orig}
			// The inflated length is unknown until the body is drained.
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func requestIsGzipped(h http.Header) bool {
	for _, enc := range strings.Split(h.Get(echo.HeaderContentEncoding), ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

// gzipBody reads through the pooled gzip reader and, on Close, returns the
// reader to the pool after closing the original body.
type gzipBody struct {
	gz   *gzip.Reader
	orig io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) {
	return b.gz.Read(p)
}

func (b *gzipBody) Close() error {
	err := b.gz.Close()
	readerPool.Put(b.gz)
	if cerr := b.orig.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
