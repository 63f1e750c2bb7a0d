package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// bridgeServer is an http.Server that also drains handlers whose
// connections were hijacked for WebSockets. Shutdown on its own neither
// cancels nor waits for those.
type bridgeServer struct {
	srv    *http.Server
	cancel context.CancelFunc
	active sync.WaitGroup
}

func newBridgeServer(addr string, handler http.Handler) *bridgeServer {
	base, cancel := context.WithCancel(context.Background())

	s := &bridgeServer{cancel: cancel}

	// No read or write timeout: bridge connections are long-lived
	// WebSockets and the hijacked conn would inherit the deadline.
	s.srv = &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.active.Add(1)
			defer s.active.Done()
			handler.ServeHTTP(w, r)
		}),
		BaseContext:       func(net.Listener) context.Context { return base },
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// serve accepts connections on ln until shutdown.
func (s *bridgeServer) serve(ln net.Listener) error {
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// shutdown stops accepting requests, cancels every in-flight request
// context (which ends bridge read loops) and waits until all handlers have
// returned or ctx expires.
func (s *bridgeServer) shutdown(ctx context.Context) error {
	s.cancel()

	err := s.srv.Shutdown(ctx)

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for bridge connections: %w", ctx.Err())
	}

	return err
}
