package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/oqhadev/openkore-bus-server-extended/internal/metrics"
)

// Config holds bus listener settings.
type Config struct {
	Addr                 string
	ReadChunkSize        int
	IdleTimeout          time.Duration
	WriteTimeout         time.Duration
	HousekeepingInterval time.Duration
}

// Stats carries process-lifetime counters for the admin API.
type Stats struct {
	StartTime         time.Time
	TotalConnections  int64
	MessagesProcessed int64
}

// StatsSnapshot is a point-in-time copy of Stats plus membership counts and
// process resource usage.
type StatsSnapshot struct {
	TotalConnections  int64
	IdentifiedClients int
	CurrentClients    int
	MessagesProcessed int64
	UptimeSeconds     float64
	CPUPercent        float64
	MemoryMB          float64
}

// Server owns the TCP listener, the registry and the per-connection read
// loops. One goroutine per connection; routing runs inside the sender's
// read loop.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	registry *Registry
	router   *Router

	listener net.Listener
	host     string
	port     int

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	running      atomic.Bool
	shuttingDown atomic.Bool
	failed       chan struct{}

	stats Stats
	proc  *process.Process
}

// NewServer builds a bus server. sink may be nil to disable the webhook
// divert.
func NewServer(cfg Config, sink WebhookSink, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	registry := NewRegistry()
	s := &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "bus").Logger(),
		registry: registry,
		router:   NewRouter(registry, sink, logger),
		ctx:      ctx,
		cancel:   cancel,
		failed:   make(chan struct{}),
		stats:    Stats{StartTime: time.Now()},
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}
	return s
}

// Router returns the routing facade used by the admin API.
func (s *Server) Router() *Router { return s.router }

// Start binds the listener and launches the accept and housekeeping loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.host = tcpAddr.IP.String()
		s.port = tcpAddr.Port
	}
	s.running.Store(true)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("bus listening")

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.HousekeepingInterval > 0 {
		s.wg.Add(1)
		go s.housekeeping()
	}
	return nil
}

// Addr returns the bound listener address (useful when Addr was ":0").
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool { return s.running.Load() && !s.shuttingDown.Load() }

// Failed is closed when the listener dies outside a requested shutdown. The
// server tears itself down; callers use this to exit non-zero.
func (s *Server) Failed() <-chan struct{} { return s.failed }

// Host returns the bound host.
func (s *Server) Host() string { return s.host }

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int { return s.registry.Len() }

// ClientInfo describes one identified client for the admin API.
type ClientInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	UserAgent   string `json:"user_agent"`
	Address     string `json:"address"`
	PrivateOnly bool   `json:"private_only"`
}

// IdentifiedClients lists the clients that completed the handshake.
func (s *Server) IdentifiedClients() []ClientInfo {
	out := []ClientInfo{}
	for _, c := range s.registry.Snapshot() {
		if !c.Identified() {
			continue
		}
		out = append(out, ClientInfo{
			ID:          c.ID(),
			Name:        c.Name(),
			UserAgent:   c.UserAgent(),
			Address:     c.Addr(),
			PrivateOnly: c.PrivateOnly(),
		})
	}
	return out
}

// StatsSnapshot returns current counters for the admin API.
func (s *Server) StatsSnapshot() StatsSnapshot {
	total, identified := s.registry.Counts()
	snap := StatsSnapshot{
		TotalConnections:  atomic.LoadInt64(&s.stats.TotalConnections),
		IdentifiedClients: identified,
		CurrentClients:    total,
		MessagesProcessed: atomic.LoadInt64(&s.stats.MessagesProcessed),
		UptimeSeconds:     time.Since(s.stats.StartTime).Seconds(),
	}
	if s.proc != nil {
		if cpu, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryMB = float64(mem.RSS) / 1024 / 1024
		}
	}
	return snap
}

// Shutdown stops accepting, closes every connection and waits for the read
// loops to drain.
func (s *Server) Shutdown() error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("initiating graceful shutdown")
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	for _, c := range s.registry.Snapshot() {
		c.Close()
	}

	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info().Msg("shutdown complete")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		sock, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			// Accept failure is fatal: tear the whole server down and let
			// Failed tell the process to exit. Shutdown runs from its own
			// goroutine because it waits on this loop's WaitGroup slot.
			s.logger.Error().Err(err).Msg("accept failed, shutting down")
			close(s.failed)
			go s.Shutdown()
			return
		}

		c := s.registry.Register(func(id string) *Conn {
			return newConn(id, sock, s.cfg.WriteTimeout, s.logger)
		})
		atomic.AddInt64(&s.stats.TotalConnections, 1)
		metrics.ConnectionsTotal.Inc()
		metrics.ConnectionsActive.Inc()

		s.logger.Info().
			Str("client_id", c.ID()).
			Str("peer", c.Addr()).
			Msg("client connected")

		s.router.HandleConnect(c)

		s.wg.Add(1)
		go s.readLoop(c)
	}
}

// readLoop drives one connection: bounded reads feed the streaming parser,
// complete frames go to the router in arrival order. The idle timeout is
// keep-alive only; the loop exits on EOF, error or a routing verdict to
// close.
func (s *Server) readLoop(c *Conn) {
	defer s.wg.Done()
	defer func() {
		s.router.HandleDisconnect(c)
		c.Close()
		metrics.ConnectionsActive.Dec()
	}()

	buf := make([]byte, s.cfg.ReadChunkSize)
	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.cfg.IdleTimeout > 0 {
			c.sock.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := c.sock.Read(buf)
		if n > 0 {
			metrics.BytesReceived.Add(float64(n))
			c.parser.Feed(buf[:n])
			for {
				msg, perr := c.parser.ReadNext()
				if perr != nil {
					metrics.ProtocolViolations.Inc()
					s.logger.Warn().
						Err(perr).
						Str("client_id", c.ID()).
						Msg("corrupt frame, closing connection")
					return
				}
				if msg == nil {
					break
				}
				metrics.MessagesReceived.Inc()
				atomic.AddInt64(&s.stats.MessagesProcessed, 1)
				if herr := s.router.HandleMessage(c, msg); herr != nil {
					s.logger.Warn().
						Err(herr).
						Str("client_id", c.ID()).
						Msg("closing connection")
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle, not dead. Keep the connection.
				continue
			}
			return
		}
	}
}

// housekeeping logs membership and process usage counters periodically.
func (s *Server) housekeeping() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			total, identified := s.registry.Counts()
			event := s.logger.Info().
				Int("clients_total", total).
				Int("clients_identified", identified)
			if s.proc != nil {
				if cpu, err := s.proc.CPUPercent(); err == nil {
					event = event.Float64("cpu_percent", cpu)
				}
				if mem, err := s.proc.MemoryInfo(); err == nil {
					event = event.Float64("memory_mb", float64(mem.RSS)/1024/1024)
				}
			}
			event.Msg("housekeeping")
		}
	}
}
