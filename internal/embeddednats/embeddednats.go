// Package embeddednats starts an in-process NATS server with JetStream
// enabled, shared by every package that needs a real broker in its
// tests without depending on an external service.
package embeddednats

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Server wraps an embedded NATS server.
type Server struct {
	srv      *server.Server
	url      string
	storeDir string
}

// Start boots a JetStream-enabled server on a random port, backed by a
// temporary directory, and waits for it to accept connections.
func Start() (*Server, error) {
	storeDir, err := os.MkdirTemp("", "embeddednats-")
	if err != nil {
		return nil, fmt.Errorf("embeddednats: temp dir: %w", err)
	}
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		os.RemoveAll(storeDir)
		return nil, fmt.Errorf("embeddednats: new server: %w", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		os.RemoveAll(storeDir)
		return nil, fmt.Errorf("embeddednats: server not ready")
	}
	return &Server{srv: s, url: s.ClientURL(), storeDir: storeDir}, nil
}

// URL returns the client connection URL.
func (s *Server) URL() string { return s.url }

// Shutdown stops the server and waits for it to fully exit.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
	os.RemoveAll(s.storeDir)
}

// Connect opens a plain *nats.Conn to this server, for tests that want
// to drive JetStream admin calls directly.
func (s *Server) Connect() (*nats.Conn, error) {
	return nats.Connect(s.url)
}

// StartForTest starts a Server and registers its shutdown with t.Cleanup.
func StartForTest(t *testing.T) *Server {
	t.Helper()
	s, err := Start()
	if err != nil {
		t.Fatalf("embeddednats: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}
