// Package transport is the inter-node messaging fabric: an embedded NATS
// server (nats-io/nats-server/v2) plus a nats.go client, used by pkg/route
// for command-route forwarding, pkg/distro for ping/claim/pull gossip,
// and pkg/bistream for push notification delivery. Explicitly not
// HTTP/gRPC framing, which spec excludes as an external transport
// concern; NATS here plays the role of cfgmesh's private backplane.
package transport

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/cfgmesh/cfgmesh/pkg/log"
)

// Config configures the embedded NATS server and client.
type Config struct {
	Host       string
	Port       int
	ClusterURL string // seed URL(s) of peers' NATS servers, comma-separated; not read by Open, which starts the embedded server standalone with no routes to peers
}

// Transport owns the embedded NATS server and the client connection other
// packages publish/subscribe/request through.
type Transport struct {
	server *server.Server
	conn   *nats.Conn
}

// Open starts the embedded NATS server and connects a client to it.
func Open(cfg Config) (*Transport, error) {
	opts := &server.Options{
		Host: cfg.Host,
		Port: cfg.Port,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	srv.SetLoggerV2(natsLogger{}, false, false, false)

	go srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server did not become ready")
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats server: %w", err)
	}

	return &Transport{server: srv, conn: conn}, nil
}

// Close drains the client connection and shuts down the embedded server.
func (t *Transport) Close() {
	t.conn.Drain()
	t.server.Shutdown()
}

// ClientURL returns the URL other nodes can dial to reach this node's
// NATS server.
func (t *Transport) ClientURL() string { return t.server.ClientURL() }

// Publish cbor-encodes msg and publishes it on subject.
func (t *Transport) Publish(subject string, msg any) error {
	buf, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Publish(subject, buf)
}

// Subscribe decodes every message on subject into a fresh value produced
// by newMsg, invoking handler. Returns the subscription so callers can
// Unsubscribe.
func (t *Transport) Subscribe(subject string, newMsg func() any, handler func(any)) (*nats.Subscription, error) {
	return t.conn.Subscribe(subject, func(m *nats.Msg) {
		v := newMsg()
		if err := cbor.Unmarshal(m.Data, v); err != nil {
			log.WithComponent("transport").Warn().Err(err).Str("subject", subject).Msg("malformed message dropped")
			return
		}
		handler(v)
	})
}

// Request cbor-encodes req, sends it on subject, and decodes the reply
// into resp.
func (t *Transport) Request(subject string, req any, resp any, timeout time.Duration) error {
	buf, err := cbor.Marshal(req)
	if err != nil {
		return err
	}
	msg, err := t.conn.Request(subject, buf, timeout)
	if err != nil {
		return err
	}
	return cbor.Unmarshal(msg.Data, resp)
}

// Respond cbor-encodes resp and replies to the inbox on m.
func (t *Transport) Respond(m *nats.Msg, resp any) error {
	buf, err := cbor.Marshal(resp)
	if err != nil {
		return err
	}
	return m.Respond(buf)
}

// HandleRequest subscribes on subject, decoding each request with newReq
// and replying with whatever handler returns.
func (t *Transport) HandleRequest(subject string, newReq func() any, handler func(any) any) (*nats.Subscription, error) {
	return t.conn.Subscribe(subject, func(m *nats.Msg) {
		req := newReq()
		if err := cbor.Unmarshal(m.Data, req); err != nil {
			log.WithComponent("transport").Warn().Err(err).Str("subject", subject).Msg("malformed request dropped")
			return
		}
		resp := handler(req)
		if err := t.Respond(m, resp); err != nil {
			log.WithComponent("transport").Warn().Err(err).Str("subject", subject).Msg("failed to send reply")
		}
	})
}

// natsLogger adapts pkg/log onto nats-server's server.Logger interface.
type natsLogger struct{}

func (natsLogger) Noticef(format string, v ...any) {
	log.WithComponent("nats").Info().Msgf(format, v...)
}
func (natsLogger) Warnf(format string, v ...any) {
	log.WithComponent("nats").Warn().Msgf(format, v...)
}
func (natsLogger) Fatalf(format string, v ...any) {
	log.WithComponent("nats").Error().Msgf(format, v...)
}
func (natsLogger) Errorf(format string, v ...any) {
	log.WithComponent("nats").Error().Msgf(format, v...)
}
func (natsLogger) Debugf(format string, v ...any) {
	log.WithComponent("nats").Debug().Msgf(format, v...)
}
func (natsLogger) Tracef(format string, v ...any) {
	log.WithComponent("nats").Debug().Msgf(format, v...)
}
