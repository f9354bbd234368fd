package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/ShardLimit/internal/routing"
	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

const (
	CodeBadGateway     = "bad_gateway"
	CodeGatewayTimeout = "gateway_timeout"
)

func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Handler forwards requests to the upstream of the matched route. Requests
// with no route in context, or whose route has no upstream, go to local.
func Handler(tr http.RoundTripper, local http.Handler) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rt, _ := routing.RouteFrom(pr.In)
			pr.SetURL(rt.UpURL)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
		},
		Transport:    tr,
		ErrorHandler: writeError,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routing.RouteFrom(r)
		if !ok || rt.UpURL == nil {
			local.ServeHTTP(w, r)
			return
		}
		// per-route timeout
		if rt.Timeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), rt.Timeout)
			defer cancel()
			r = r.WithContext(ctx)
		}
		rp.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := http.StatusBadGateway, limit.ErrorBody{Code: CodeBadGateway, Message: "upstream unavailable"}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		status, body = http.StatusGatewayTimeout, limit.ErrorBody{Code: CodeGatewayTimeout, Message: "upstream timed out"}
	}
	hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("proxy failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(limit.ErrorResponse{Error: body})
}
