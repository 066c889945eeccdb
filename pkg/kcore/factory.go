package kcore

import (
	"context"
	"net"
	"time"
)

// SASLMechanism is the injectable contract referenced, never
// implemented, at the connection layer: SASL handshakes are out of
// scope for this client, but a real connection factory still needs a
// seam for callers who supply their own mechanism.
type SASLMechanism interface {
	Name() string
}

// DialFunc dials a TCP endpoint. Overridable through WithDialFunc.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnectionFactory builds Connections to already-resolved endpoints
// (resolution is ResolveEndpoint's job): dial, log, wrap errors as
// ConnectionError, never cache anything.
type ConnectionFactory struct {
	dial        DialFunc
	log         Logger
	clientID    string
	maxRespSize int32
	dialTimeout time.Duration
	sasl        SASLMechanism
}

// NewConnectionFactory builds a factory from the given configuration.
func NewConnectionFactory(cfg Config, log Logger) *ConnectionFactory {
	if log == nil {
		log = nopLogger{}
	}
	dial := cfg.DialFunc
	if dial == nil {
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: cfg.DialTimeout}
			return d.DialContext(ctx, network, addr)
		}
	}
	return &ConnectionFactory{
		dial:        dial,
		log:         log,
		clientID:    cfg.ClientID,
		maxRespSize: cfg.MaxBrokerReadBytes,
		dialTimeout: cfg.DialTimeout,
		sasl:        cfg.SASL,
	}
}

// Create dials endpoint and starts its reader loop. Dial failures are
// reported as a *ConnectionError; they do not abort router construction
// as long as at least one seed is both resolved and dialled. A seed that
// resolves but cannot be dialled counts as failed.
func (f *ConnectionFactory) Create(ctx context.Context, endpoint Endpoint) (*Connection, error) {
	f.log.Log(LogLevelDebug, "opening connection to broker", "endpoint", endpoint.String())
	dialCtx := ctx
	var cancel context.CancelFunc
	if f.dialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()
	}
	conn, err := f.dial(dialCtx, "tcp", endpoint.Addr)
	if err != nil {
		f.log.Log(LogLevelWarn, "unable to open connection to broker", "endpoint", endpoint.String(), "err", err)
		return nil, &ConnectionError{Endpoint: endpoint, Cause: err}
	}
	f.log.Log(LogLevelDebug, "connection opened", "endpoint", endpoint.String())
	return newConnection(endpoint, conn, f.log, f.clientID, f.maxRespSize), nil
}
