package api

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewUpstreamProxy builds the reverse proxy for the protected origin.
// The detection middleware wraps it, so by the time a request reaches
// the proxy the policy decision has already been applied.
func NewUpstreamProxy(rawURL string) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	logger := log.New(log.Writer(), "[PROXY] ", log.LstdFlags)

	proxy := httputil.NewSingleHostReverseProxy(target)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Header.Set("X-Forwarded-Host", r.Host)
		r.Host = target.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Printf("upstream %s unreachable: %v", target.Host, err)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
	}
	return proxy, nil
}
