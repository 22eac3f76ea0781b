// Package eventbus is the bounded event channel decoupling C4 episode
// finalisation from C5 pattern extraction: an embedded NATS server plus a
// thin publish/subscribe wrapper. The channel is a notification path only —
// the pattern_jobs table (internal/store) is what extraction workers claim
// and lease against, so an at-least-once NATS redelivery after a crash
// never loses or duplicates work.
package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerOptions configures the embedded NATS server.
type ServerOptions struct {
	Port         int // 0 uses the NATS default port (4222); -1 picks a random free port
	StoreDir     string
	ReadyTimeout time.Duration
}

// EmbeddedServer wraps a nats-server instance running in-process, per
// ODSapper-CLIAIRMONITOR's cmd/cliairmonitor/main.go embedding pattern.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded starts an in-process NATS server and waits for it to accept
// connections. HTTP monitoring is disabled and signal handling is left to
// the host process, mirroring the teacher's NoLog/NoSigs embedding options.
func StartEmbedded(opts ServerOptions) (*EmbeddedServer, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}

	natsOpts := &server.Options{
		Port:      opts.Port,
		HTTPPort:  0,
		NoLog:     true,
		NoSigs:    true,
		StoreDir:  opts.StoreDir,
		JetStream: false,
	}

	ns, err := server.NewServer(natsOpts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(opts.ReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready after %s", opts.ReadyTimeout)
	}

	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL returns the nats:// URL a Client should dial.
func (s *EmbeddedServer) ClientURL() string {
	return fmt.Sprintf("nats://%s", s.ns.Addr().String())
}

// Shutdown stops the embedded server, closing all client connections.
func (s *EmbeddedServer) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
