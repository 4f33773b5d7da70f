package kixdns

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"time"
)

const adminServerTimeout = 10 * time.Second

// AdminListener serves expvar-exposed metrics over plain HTTP, grounded in
// the teacher's AdminListener with the TLS/QUIC transport options dropped:
// §4 calls only for a plain `/kixdns/vars` endpoint, and the extra
// transports have no caller in this repo's scope.
type AdminListener struct {
	httpServer *http.Server
	addr       string
	label      string
	mux        *http.ServeMux
}

func NewAdminListener(addr, label string) *AdminListener {
	mux := http.NewServeMux()
	mux.Handle("/kixdns/vars", expvar.Handler())
	return &AdminListener{addr: addr, label: label, mux: mux}
}

func (s *AdminListener) Start() error {
	Log.WithField("addr", s.addr).WithField("label", s.label).Info("admin listener started")
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return wrapStartup(err, "bind admin listener")
	}
	s.httpServer = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  adminServerTimeout,
		WriteTimeout: adminServerTimeout,
	}
	return s.httpServer.Serve(ln)
}

func (s *AdminListener) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	Log.WithField("addr", s.addr).Info("admin listener stopping")
	return s.httpServer.Shutdown(context.Background())
}

func (s *AdminListener) String() string {
	return "admin(" + s.addr + ")"
}
