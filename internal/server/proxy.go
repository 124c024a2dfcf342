package server

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// Passthrough returns a reverse proxy handler for backend endpoints that
// carry no scannable content (model listings, version). Requests pass to the
// backend untouched.
func Passthrough(backendURL string, logger *slog.Logger) (http.Handler, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("passthrough proxy error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusBadGateway)
	}
	return proxy, nil
}
