package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Start begins listening for WebSocket connections.
// This method blocks, so call it in a goroutine if you need to do other work.
// For non-blocking startup with error handling, use StartAsync() instead.
func (s *Server) Start() error {
	errCh := s.StartAsync()
	if err := <-errCh; err != nil {
		return err
	}
	<-s.ctx.Done()
	return nil
}

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	mux := s.createMux()

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		errCh <- nil
		close(errCh)

		// Serve blocks until the server is stopped
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server error")
		}
	}()

	return errCh
}

// Stop shuts the server down. Every live session is told why and asked to
// close, and Stop returns once each has run its disconnect reconciliation
// (or after stopDrainTimeout).
// Stop is idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	httpServer := s.httpServer
	s.mu.Unlock()

	for item := range s.sessions.IterBuffered() {
		item.Val.sendError(errShuttingDown)
		item.Val.closeSend()
	}

	drained := make(chan struct{})
	go func() {
		s.active.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(stopDrainTimeout):
		s.logger.Warn().Int("remaining", s.sessions.Count()).Msg("sessions did not drain before shutdown")
	}
	s.cancel()

	s.logger.Info().Msg("relay stopped")

	if httpServer != nil {
		return httpServer.Close()
	}
	return nil
}
