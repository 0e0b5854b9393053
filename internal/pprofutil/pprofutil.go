package pprofutil

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"
)

var ErrPublicBind = errors.New("pprof address must be loopback")

// Server serves /debug/pprof on a loopback address.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// Start listens on addr and serves in the background until Close.
func Start(addr string, log *zap.Logger) (*Server, error) {
	if !isLoopbackBind(addr) {
		return nil, fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if log != nil {
		log.Info("pprof enabled", zap.String("url", "http://"+s.Addr()+"/debug/pprof/"))
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
