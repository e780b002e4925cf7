package moltgate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ListenSpec is a parsed listen address: a TCP host:port or a Unix socket
// path.
type ListenSpec struct {
	Network string
	Address string
}

func (ls ListenSpec) String() string {
	if ls.Network == "unix" {
		return "unix:" + ls.Address
	}
	return ls.Address
}

// ParseListenAddr accepts the listen address forms the config allows:
//
//	8080            bare port
//	:8080           TCP address
//	127.0.0.1:8080  TCP address with host
//	/run/mg.sock    Unix socket path
//	unix:/run/mg.sock
func ParseListenAddr(addr string) (ListenSpec, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ListenSpec{}, errors.New("moltgate: listen address is empty")
	}
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		if rest == "" {
			return ListenSpec{}, errors.New("moltgate: empty unix socket path")
		}
		return ListenSpec{Network: "unix", Address: rest}, nil
	}
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") {
		return ListenSpec{Network: "unix", Address: addr}, nil
	}
	if port, err := strconv.Atoi(addr); err == nil {
		if port <= 0 || port > 65535 {
			return ListenSpec{}, fmt.Errorf("moltgate: invalid port %d", port)
		}
		return ListenSpec{Network: "tcp", Address: ":" + addr}, nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return ListenSpec{}, fmt.Errorf("moltgate: invalid listen address %q: %w", addr, err)
	}
	return ListenSpec{Network: "tcp", Address: addr}, nil
}

// serveHTTP runs an HTTP server on the parsed address until ctx is
// canceled, then drains in-flight requests before returning.
func serveHTTP(ctx context.Context, spec ListenSpec, handler http.Handler) error {
	if spec.Network == "unix" {
		// A previous run may have left the socket behind.
		_ = os.Remove(spec.Address)
	}
	ln, err := net.Listen(spec.Network, spec.Address)
	if err != nil {
		return fmt.Errorf("moltgate: failed to listen on %s: %w", spec, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Printf("web: shutdown: %v", err)
		}
	}()
	log.Printf("web: listening on %s", spec)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("moltgate: server error: %w", err)
	}
	return nil
}
