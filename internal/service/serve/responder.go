package serve

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Responder writes resolved assets with no-cache headers. HTML documents get
// the mobile head injection when it applies cleanly.
type Responder struct {
	logger *slog.Logger
}

// NewResponder constructs a Responder.
func NewResponder(logger *slog.Logger) Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return Responder{logger: logger}
}

// Write sends asset as the full response body.
func (rs Responder) Write(w http.ResponseWriter, r *http.Request, asset Asset) {
	body := asset.Data
	if isHTML(asset.ContentType) {
		injected, err := injectMobile(body)
		if err != nil {
			rs.logger.Debug("html injection skipped", "key", asset.Key, "error", err)
		} else {
			body = injected
		}
	}

	h := w.Header()
	h.Set("Content-Type", contentTypeHeader(asset.ContentType))
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		rs.logger.Debug("write asset failed", "key", asset.Key, "error", err)
	}
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(contentType, "text/html")
}

func contentTypeHeader(contentType string) string {
	if strings.HasPrefix(contentType, "text/") || contentType == "application/javascript" {
		return contentType + "; charset=utf-8"
	}
	return contentType
}
