package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/oqhadev/openkore-bus-server-extended/internal/metrics"
	"github.com/oqhadev/openkore-bus-server-extended/internal/ssm"
)

// Reserved message ids understood by the router. They are handled in place
// and never forwarded to peers.
const (
	msgHello          = "HELLO"
	msgListClients    = "LIST_CLIENTS"
	msgJoin           = "JOIN"
	msgLeave          = "LEAVE"
	msgDeliveryFailed = "DELIVERY_FAILED"
	msgClientNotFound = "CLIENT_NOT_FOUND"
)

// Reserved argument keys.
const (
	keyTo   = "TO"
	keyFrom = "FROM"
	keySeq  = "SEQ"
	keyIry  = "IRY"
)

// Divert trigger: a broadcast whose "player" argument spells this (case
// insensitively) is handed to the webhook sink instead of fanned out.
const divertPlayer = "discord"

// ErrClientNotFound reports an injection addressed to an unknown or
// unidentified client.
var ErrClientNotFound = errors.New("client not found")

// errProtocolViolation closes the offending connection; it never crosses to
// other connections.
var errProtocolViolation = errors.New("protocol violation")

// WebhookSink delivers a diverted broadcast payload to an external endpoint.
type WebhookSink interface {
	Deliver(ctx context.Context, content string) error
}

// Router decides what happens to every parsed frame: handshake, client list,
// unicast, broadcast or webhook divert. It runs inside the sender's read
// loop; cross-connection writes go through each recipient's send lock.
type Router struct {
	registry *Registry
	webhook  WebhookSink // nil disables the divert
	logger   zerolog.Logger

	handlers map[string]func(*Conn, *ssm.Message) error
}

// NewRouter builds a router over the given registry. sink may be nil.
func NewRouter(registry *Registry, sink WebhookSink, logger zerolog.Logger) *Router {
	rt := &Router{
		registry: registry,
		webhook:  sink,
		logger:   logger.With().Str("component", "router").Logger(),
	}
	// Explicit dispatch table for reserved ids; everything else routes.
	rt.handlers = map[string]func(*Conn, *ssm.Message) error{
		msgHello:          rt.handleHello,
		msgListClients:    rt.handleListClients,
		msgJoin:           rt.dropReserved,
		msgLeave:          rt.dropReserved,
		msgDeliveryFailed: rt.dropReserved,
		msgClientNotFound: rt.dropReserved,
	}
	return rt
}

// HandleConnect greets a freshly accepted connection with the server HELLO
// carrying its assigned id.
func (rt *Router) HandleConnect(c *Conn) {
	args := ssm.NewArgs().SetString("yourID", c.ID())
	if err := c.Send(msgHello, args); err != nil {
		rt.logger.Warn().Err(err).Str("client_id", c.ID()).Msg("failed to send server HELLO")
	}
}

// HandleMessage processes one frame from c. A returned error means the
// connection must be closed; other connections are never affected.
func (rt *Router) HandleMessage(c *Conn, msg *ssm.Message) error {
	rt.logger.Debug().
		Str("client_id", c.ID()).
		Str("client", c.Name()).
		Str("message_id", msg.ID).
		Int("args", msg.Args.Len()).
		Msg("message received")

	if !c.Identified() && msg.ID != msgHello {
		metrics.ProtocolViolations.Inc()
		rt.logger.Warn().
			Str("client_id", c.ID()).
			Str("message_id", msg.ID).
			Msg("message before identification")
		return fmt.Errorf("%q before HELLO: %w", msg.ID, errProtocolViolation)
	}

	if handler, ok := rt.handlers[msg.ID]; ok {
		return handler(c, msg)
	}
	rt.route(c, msg)
	return nil
}

// HandleDisconnect removes c from the registry and, when the removal wins
// and the client had identified, broadcasts LEAVE to the remaining peers.
// Exactly one LEAVE is emitted iff a JOIN was.
func (rt *Router) HandleDisconnect(c *Conn) {
	removed, ok := rt.registry.Remove(c.ID())
	if !ok {
		return
	}
	rt.logger.Info().
		Str("client_id", c.ID()).
		Str("client", removed.Name()).
		Str("peer", removed.Addr()).
		Msg("client disconnected")
	if removed.Identified() {
		metrics.ClientsIdentified.Dec()
		args := ssm.NewArgs().SetString("clientID", c.ID())
		rt.fanOut(msgLeave, args, c.ID())
	}
}

// handleHello completes the handshake for a NOT_IDENTIFIED client and
// broadcasts JOIN. A second HELLO is a protocol violation.
func (rt *Router) handleHello(c *Conn, msg *ssm.Message) error {
	userAgent := "Unknown"
	if v, ok := msg.Args.Get("userAgent"); ok {
		if s, ok := msg.Args.GetString("userAgent"); ok {
			userAgent = s
		} else {
			userAgent = fmt.Sprint(v.Native())
		}
	}
	privateOnly := msg.Args.GetBool("privateOnly")

	if !c.identify(userAgent, privateOnly) {
		metrics.ProtocolViolations.Inc()
		rt.logger.Warn().Str("client_id", c.ID()).Msg("duplicate HELLO")
		return fmt.Errorf("duplicate HELLO: %w", errProtocolViolation)
	}
	metrics.ClientsIdentified.Inc()

	rt.logger.Info().
		Str("client_id", c.ID()).
		Str("client", c.Name()).
		Str("user_agent", userAgent).
		Bool("private_only", privateOnly).
		Msg("client identified")

	joinArgs := ssm.NewArgs().
		SetString("clientID", c.ID()).
		SetString("name", c.Name()).
		SetString("userAgent", userAgent).
		SetString("host", c.Addr())
	rt.fanOut(msgJoin, joinArgs, c.ID())
	return nil
}

// handleListClients replies with one client<i>/clientUserAgent<i> pair per
// identified client, the sender included.
func (rt *Router) handleListClients(c *Conn, msg *ssm.Message) error {
	reply := ssm.NewArgs()
	count := uint32(0)
	for _, peer := range rt.registry.Snapshot() {
		if !peer.Identified() {
			continue
		}
		i := strconv.FormatUint(uint64(count), 10)
		reply.SetString("client"+i, peer.ID())
		reply.SetString("clientUserAgent"+i, peer.UserAgent())
		count++
	}
	reply.SetUint("count", count)
	echoSeq(reply, msg.Args)
	reply.SetUint(keyIry, 1)

	if err := c.Send(msgListClients, reply); err != nil {
		rt.logger.Warn().Err(err).Str("client_id", c.ID()).Msg("failed to send client list")
	}
	return nil
}

// dropReserved swallows router-generated ids echoed back by clients.
func (rt *Router) dropReserved(c *Conn, msg *ssm.Message) error {
	rt.logger.Debug().
		Str("client_id", c.ID()).
		Str("message_id", msg.ID).
		Msg("reserved message from client dropped")
	return nil
}

// route applies the unicast/broadcast rules to a non-reserved frame.
func (rt *Router) route(c *Conn, msg *ssm.Message) {
	if to, ok := msg.Args.Get(keyTo); ok {
		rt.unicast(c, msg, to)
		return
	}

	// The divert is evaluated before FROM-stamping.
	if player, ok := msg.Args.GetString("player"); ok && rt.webhook != nil && strings.EqualFold(player, divertPlayer) {
		comm, _ := msg.Args.GetString("comm")
		rt.divert(c, comm)
		return
	}

	msg.Args.SetString(keyFrom, c.ID())
	metrics.MessagesRouted.WithLabelValues("broadcast").Inc()
	rt.fanOut(msg.ID, msg.Args, c.ID())
}

// unicast delivers to a single peer and answers the sender with
// CLIENT_NOT_FOUND or DELIVERY_FAILED when that is impossible. Exactly one
// of delivery and the two replies happens.
func (rt *Router) unicast(c *Conn, msg *ssm.Message, to ssm.Value) {
	targetID := valueAsID(to)
	msg.Args.SetString(keyFrom, c.ID())

	target, ok := rt.registry.Get(targetID)
	if !ok {
		metrics.ClientsNotFound.Inc()
		rt.logger.Info().
			Str("client_id", c.ID()).
			Str("target", targetID).
			Msg("unicast target not found")
		rt.replyError(c, msgClientNotFound, to, msg.Args)
		return
	}

	if err := target.Send(msg.ID, msg.Args); err != nil {
		metrics.DeliveryFailures.Inc()
		rt.logger.Warn().
			Err(err).
			Str("client_id", c.ID()).
			Str("target", targetID).
			Str("message_id", msg.ID).
			Msg("unicast delivery failed")
		rt.replyError(c, msgDeliveryFailed, to, msg.Args)
		return
	}
	metrics.MessagesRouted.WithLabelValues("unicast").Inc()
}

// replyError sends a synchronous router reply (IRY=1) to the sender,
// echoing the target id and any SEQ correlation token.
func (rt *Router) replyError(c *Conn, replyID string, target ssm.Value, original *ssm.Args) {
	reply := ssm.NewArgs().Set("clientID", target)
	echoSeq(reply, original)
	reply.SetUint(keyIry, 1)
	if err := c.Send(replyID, reply); err != nil {
		rt.logger.Debug().Err(err).Str("client_id", c.ID()).Str("reply", replyID).Msg("failed to send reply")
	}
}

// divert hands the broadcast payload to the webhook sink and suppresses
// fan-out. Webhook failures are logged only; broadcast semantics give the
// sender no reply either way.
func (rt *Router) divert(c *Conn, content string) {
	metrics.WebhookDiverts.Inc()
	rt.logger.Info().
		Str("client_id", c.ID()).
		Int("bytes", len(content)).
		Msg("broadcast diverted to webhook")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := rt.webhook.Deliver(ctx, content); err != nil {
			metrics.WebhookFailures.Inc()
			rt.logger.Error().Err(err).Msg("webhook delivery failed")
		}
	}()
}

// fanOut delivers a frame to every identified, non-private client except
// exclude. Send failures are logged; registry cleanup belongs to each
// recipient's own read loop.
func (rt *Router) fanOut(messageID string, args *ssm.Args, exclude string) {
	recipients := rt.registry.Snapshot()
	delivered := 0
	for _, peer := range recipients {
		if peer.ID() == exclude || !peer.Identified() || peer.PrivateOnly() {
			continue
		}
		if err := peer.Send(messageID, args); err != nil {
			rt.logger.Debug().
				Err(err).
				Str("recipient", peer.ID()).
				Str("message_id", messageID).
				Msg("broadcast delivery failed")
			continue
		}
		delivered++
	}
	rt.logger.Debug().
		Str("message_id", messageID).
		Int("recipients", delivered).
		Msg("broadcast fanned out")
}

// InjectBroadcast fans a frame out to every eligible client on behalf of the
// admin API. ctx bounds the whole fan-out.
func (rt *Router) InjectBroadcast(ctx context.Context, messageID string, args *ssm.Args) error {
	metrics.MessagesRouted.WithLabelValues("inject").Inc()
	for _, peer := range rt.registry.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !peer.Identified() || peer.PrivateOnly() {
			continue
		}
		if err := peer.Send(messageID, args); err != nil {
			rt.logger.Debug().
				Err(err).
				Str("recipient", peer.ID()).
				Str("message_id", messageID).
				Msg("injected broadcast delivery failed")
		}
	}
	return nil
}

// InjectUnicast delivers a frame to one identified client on behalf of the
// admin API.
func (rt *Router) InjectUnicast(ctx context.Context, clientID, messageID string, args *ssm.Args) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := rt.registry.Get(clientID)
	if !ok || !target.Identified() {
		return fmt.Errorf("client %s: %w", clientID, ErrClientNotFound)
	}
	if err := target.Send(messageID, args); err != nil {
		return fmt.Errorf("client %s: %w", clientID, ErrClientNotFound)
	}
	metrics.MessagesRouted.WithLabelValues("inject").Inc()
	return nil
}

// echoSeq copies the SEQ correlation token from a request into a reply.
func echoSeq(reply, request *ssm.Args) {
	if seq, ok := request.Get(keySeq); ok {
		reply.Set(keySeq, seq)
	}
}

// valueAsID renders a TO argument as a registry key, whatever its wire type.
func valueAsID(v ssm.Value) string {
	switch v.Type {
	case ssm.TypeString:
		return v.Str
	case ssm.TypeUint:
		return strconv.FormatUint(uint64(v.U32), 10)
	default:
		return string(v.Bin)
	}
}
