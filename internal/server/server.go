// Package server implements the listener and per-connection dispatcher of
// spec.md §4.9: accept loops per configured address, request-head parsing,
// target extraction, a policy lookup under a short shared lease, and
// dispatch to Direct, HttpUpstream, or Socks5Upstream.
package server

import (
	"log"
	"net"
	"sync"

	"github.com/mlesin/proxy-twister/internal/epoch"
	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/metrics"
	"github.com/mlesin/proxy-twister/internal/policystore"
	"github.com/mlesin/proxy-twister/internal/pump"
)

// Server owns the listeners and the shared state every handler dispatches
// against: the policy cell, the epoch-token holder, the event bus and the
// metrics registry.
type Server struct {
	Cell    *policystore.Cell
	Holder  *epoch.Holder
	Bus     *events.Bus
	Metrics *metrics.Metrics

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	listenersMu sync.Mutex
	listeners   []net.Listener
}

// New constructs a Server around already-initialized shared state.
func New(cell *policystore.Cell, holder *epoch.Holder, bus *events.Bus, m *metrics.Metrics) *Server {
	return &Server{
		Cell:     cell,
		Holder:   holder,
		Bus:      bus,
		Metrics:  m,
		shutdown: make(chan struct{}),
	}
}

// ListenAndServe binds a TCP listener for every address and accepts
// connections on each until Shutdown is called. It returns once every
// listener has been bound; accept loops continue to run in background
// goroutines tracked by the Server's WaitGroup.
func (s *Server) ListenAndServe(addrs []string) error {
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Shutdown()
			return err
		}
		s.listenersMu.Lock()
		s.listeners = append(s.listeners, ln)
		s.listenersMu.Unlock()

		s.wg.Add(1)
		go s.acceptLoop(ln, addr)
	}
	return nil
}

// recorder adapts s.Metrics to pump.Recorder, returning a true nil interface
// (not a non-nil interface wrapping a nil *metrics.Metrics) when no metrics
// instance is configured — pump.Run's "rec != nil" check only works if the
// nil case is a genuinely nil interface value.
func (s *Server) recorder() pump.Recorder {
	if s.Metrics == nil {
		return nil
	}
	return s.Metrics
}

func (s *Server) acceptLoop(ln net.Listener, listenAddr string) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("proxy-twister: accept on %s: %v", listenAddr, err)
				return
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn, listenAddr)
		}()
	}
}

// Shutdown stops every listener and signals all in-flight handlers to
// abandon their pumps, then waits for them to unwind.
func (s *Server) Shutdown() {
	s.once.Do(func() {
		close(s.shutdown)
		s.listenersMu.Lock()
		for _, ln := range s.listeners {
			ln.Close()
		}
		s.listenersMu.Unlock()
	})
	s.wg.Wait()
}
