package bus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/oqhadev/openkore-bus-server-extended/internal/metrics"
	"github.com/oqhadev/openkore-bus-server-extended/internal/ssm"
)

// State tracks a connection through the handshake.
type State int32

const (
	StateNotIdentified State = iota
	StateIdentified
)

func (s State) String() string {
	if s == StateIdentified {
		return "IDENTIFIED"
	}
	return "NOT_IDENTIFIED"
}

// ErrConnClosed is returned by Send once the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// Conn is one client connection. The read side (parser buffer) is owned by
// the connection's read loop; writes are serialized by writeMu so that
// concurrent producers (the owner loop, other clients' routing, admin
// injection) never interleave bytes on the stream.
type Conn struct {
	id     string
	sock   net.Conn
	addr   string
	logger zerolog.Logger

	parser       ssm.Parser
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    bool // guarded by writeMu

	// Identity is frozen by identify; identityMu keeps readers from
	// observing a half-written record.
	identityMu  sync.RWMutex
	state       State
	userAgent   string
	privateOnly bool
	name        string
}

func newConn(id string, sock net.Conn, writeTimeout time.Duration, logger zerolog.Logger) *Conn {
	addr := "unknown"
	if ra := sock.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Conn{
		id:           id,
		sock:         sock,
		addr:         addr,
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("client_id", id).Str("peer", addr).Logger(),
		userAgent:    "Unknown",
		name:         "Unknown:" + id,
	}
}

// ID returns the immutable client id assigned at accept time.
func (c *Conn) ID() string { return c.id }

// Addr returns the peer address for display.
func (c *Conn) Addr() string { return c.addr }

// State returns the current handshake state.
func (c *Conn) State() State {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.state
}

// Identified reports whether the HELLO handshake completed.
func (c *Conn) Identified() bool { return c.State() == StateIdentified }

// UserAgent returns the user agent captured at identification.
func (c *Conn) UserAgent() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.userAgent
}

// PrivateOnly reports whether the client opted out of broadcast fan-out.
func (c *Conn) PrivateOnly() bool {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.privateOnly
}

// Name returns the display name, "<user_agent>:<client_id>" once identified.
func (c *Conn) Name() string {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.name
}

// identify freezes the identity record and moves the connection to
// IDENTIFIED. It returns false if the connection was already identified;
// the transition happens at most once.
func (c *Conn) identify(userAgent string, privateOnly bool) bool {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	if c.state != StateNotIdentified {
		return false
	}
	c.state = StateIdentified
	c.userAgent = userAgent
	c.privateOnly = privateOnly
	c.name = fmt.Sprintf("%s:%s", userAgent, c.id)
	return true
}

// Send serializes one frame and writes it to the socket. Either the whole
// frame reaches the kernel buffer or an error is returned; a failed write
// marks the connection so the owner read loop tears it down, but Send never
// removes the connection from the registry itself.
func (c *Conn) Send(messageID string, args *ssm.Args) error {
	data, err := ssm.Serialize(messageID, args)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", messageID, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		if err := c.sock.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			c.logger.Debug().Err(err).Str("message_id", messageID).Msg("send failed")
			return fmt.Errorf("set write deadline for client %s: %w", c.id, err)
		}
	}
	if _, err := c.sock.Write(data); err != nil {
		c.logger.Debug().Err(err).Str("message_id", messageID).Msg("send failed")
		return fmt.Errorf("write %s to client %s: %w", messageID, c.id, err)
	}
	metrics.BytesSent.Add(float64(len(data)))
	return nil
}

// Close releases the socket. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		c.sock.Close()
	})
}
