package server

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Start applies the seed file and starts every listener. It does not block.
func (s *Server) Start() error {
	if s.cfg.SeedFile != "" {
		if err := LoadSeedFromYAML(s.ctx, s.cfg.SeedFile, s.store); err != nil {
			return fmt.Errorf("server: seed: %w", err)
		}
	}

	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartHTTP(); err != nil {
		return err
	}

	s.metrics.StartPeriodicLog(s.logger, s.cfg.MetricsInterval, s.ctx.Done())
	s.logger.Info("GoRelay server running",
		"control", s.cfg.ControlAddr,
		"http", s.cfg.HTTPAddr,
		"auto_stop_chats", s.cfg.AutoStopChats,
	)
	return nil
}

// Run starts the server and blocks until ctx is done or a shutdown signal
// arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		s.Shutdown()
		return err
	}

	<-ctx.Done()
	s.logger.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown closes the listeners and every client connection, waits for the
// accept loops, then closes the store.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.cancel()
	if s.controlLn != nil {
		_ = s.controlLn.Close()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	s.closeConns()
	s.wg.Wait()
	if err := s.store.NonTx().Close(); err != nil {
		s.logger.Warn("close store", "err", err)
	}
}
