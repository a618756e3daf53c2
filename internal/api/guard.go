package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// checkOrigin validates the Origin header of browser requests. The API drives
// a local agent that can edit files and run commands, so a page served from
// another site must not reach it. Requests without an Origin header come from
// non-browser clients and are allowed.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return false
	}

	originHost := originURL.Hostname()
	if isLoopbackHost(originHost) {
		return true
	}

	// Same-origin: the Origin host must match the Host header, ignoring ports.
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host != "" && strings.EqualFold(originHost, strings.Trim(host, "[]"))
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// originGuard rejects browser requests from foreign origins.
func (s *Server) originGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !checkOrigin(c.Request) {
			s.logger.Warn("rejected cross-origin request",
				zap.String("origin", c.GetHeader("Origin")),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{Error: "origin not allowed"})
			return
		}
		c.Next()
	}
}

// requireJSON rejects request bodies that are not declared as JSON. Browsers
// send text/plain and form bodies cross-site without a CORS preflight.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength != 0 && c.ContentType() != gin.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, ErrorResponse{Error: "Content-Type must be application/json"})
			return
		}
		c.Next()
	}
}
