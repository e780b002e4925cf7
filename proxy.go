package moltgate

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// GatewayProxy forwards everything that is not part of the setup surface
// to the gateway backend, injecting the resolved bearer token so browser
// clients never see it. While the gateway is unconfigured nothing is
// forwarded: plain requests are redirected to the setup page and
// WebSocket attempts are refused before any upgrade, with no backend
// contact either way.
type GatewayProxy struct {
	backend  *url.URL
	oracle   *Oracle
	metrics  *Metrics
	rp       *httputil.ReverseProxy
	upgrader websocket.Upgrader
}

// NewGatewayProxy builds a proxy for the given backend base URL.
func NewGatewayProxy(backend *url.URL, oracle *Oracle, metrics *Metrics) *GatewayProxy {
	if metrics == nil {
		metrics = NewMetrics()
	}
	p := &GatewayProxy{
		backend: backend,
		oracle:  oracle,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The gateway does its own auth; origin checks here would
			// only break non-browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	p.rp = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = backend.Scheme
			req.URL.Host = backend.Host
			req.Host = backend.Host
			token, err := oracle.ResolveToken()
			if err != nil {
				log.Printf("proxy: failed to resolve token: %v", err)
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.metrics.RecordProxyError()
			log.Printf("proxy: %s %s: %v", r.Method, r.URL.Path, err)
			http.Error(w, "gateway error: backend unreachable", http.StatusBadGateway)
		},
	}
	return p
}

func (p *GatewayProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.metrics.RecordProxyRequest()
	if !p.oracle.IsConfigured() {
		if websocket.IsWebSocketUpgrade(r) {
			http.Error(w, "gateway is not configured", http.StatusServiceUnavailable)
			return
		}
		http.Redirect(w, r, "/setup/", http.StatusFound)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		p.serveWebSocket(w, r)
		return
	}
	p.rp.ServeHTTP(w, r)
}

// serveWebSocket bridges one client connection to the backend: dial the
// backend first with the injected token, then upgrade the client, then
// pump frames both ways until either side drops.
func (p *GatewayProxy) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	target := *p.backend
	switch target.Scheme {
	case "https":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	header := http.Header{}
	if token, err := p.oracle.ResolveToken(); err == nil && token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     websocket.Subprotocols(r),
	}
	backendConn, resp, err := dialer.Dial(target.String(), header)
	if err != nil {
		p.metrics.RecordProxyError()
		log.Printf("proxy: websocket dial %s: %v", target.String(), err)
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		http.Error(w, "gateway error: websocket backend unreachable", status)
		return
	}
	defer backendConn.Close()

	var respHeader http.Header
	if proto := backendConn.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	clientConn, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Printf("proxy: websocket upgrade: %v", err)
		return
	}
	defer clientConn.Close()
	p.metrics.RecordWSSession()

	errc := make(chan error, 2)
	go proxyPump(clientConn, backendConn, errc)
	go proxyPump(backendConn, clientConn, errc)
	<-errc
	// Defers close both ends, which unblocks the second pump.
}

// proxyPump copies messages from src to dst until either side fails.
func proxyPump(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}
