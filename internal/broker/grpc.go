package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// ErrClosed is wrapped into the Unavailable error returned after Close.
var ErrClosed = errors.New("connection closed")

// Options configures a gRPC broker connection.
type Options struct {
	Address string
	Port    int

	// CallTimeout bounds each remote call; 0 disables the per-call deadline.
	CallTimeout time.Duration

	// WaitHealthy blocks Dial until the grpc.health.v1 service reports
	// SERVING, for at most HealthTimeout.
	WaitHealthy   bool
	HealthTimeout time.Duration

	// ResolveTypes looks up each signal's declared datatype before the first
	// update and coerces values to it. Without it values are sent as inferred.
	ResolveTypes bool

	Logger      *slog.Logger
	DialOptions []grpc.DialOption
}

// Target returns the host:port the client connects to.
func (o Options) Target() string {
	return net.JoinHostPort(o.Address, strconv.Itoa(o.Port))
}

// GRPCClient is the gRPC binding of Client and Subscriber.
type GRPCClient struct {
	opts Options
	log  *slog.Logger

	// mu guards the connection lifecycle shared by Apply and Subscribe.
	mu     sync.Mutex
	conn   *grpc.ClientConn
	closed bool

	typesMu sync.RWMutex
	types   map[string]event.DataType
}

var (
	_ Client     = (*GRPCClient)(nil)
	_ Subscriber = (*GRPCClient)(nil)
)

// Dial opens the broker connection. The connection is held until Close.
func Dial(ctx context.Context, opts Options) (*GRPCClient, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Target(), dialOpts...)
	if err != nil {
		return nil, &Error{Kind: Unavailable, Op: "connect", Err: err}
	}
	c := &GRPCClient{
		opts:  opts,
		log:   opts.Logger,
		conn:  conn,
		types: make(map[string]event.DataType),
	}
	if opts.WaitHealthy {
		if err := c.waitForHealth(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	c.log.Info("broker connection opened", "target", opts.Target())
	return c, nil
}

// Close releases the connection. Further calls fail with ErrUnavailable.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *GRPCClient) acquire(op, path string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &Error{Kind: Unavailable, Op: op, Path: path, Err: ErrClosed}
	}
	return c.conn, nil
}

func (c *GRPCClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.CallTimeout)
}

// Apply sets one current or target value on the broker.
func (c *GRPCClient) Apply(ctx context.Context, ev event.Event) (Ack, error) {
	conn, err := c.acquire("set", ev.Path)
	if err != nil {
		return Ack{}, err
	}

	dt := event.TypeUnspecified
	if c.opts.ResolveTypes {
		dt, err = c.datatype(ctx, conn, ev.Path)
		if err != nil {
			return Ack{}, err
		}
	}
	v := ev.Value
	if dt != event.TypeUnspecified {
		v, err = event.Coerce(ev.Raw, dt)
		if err != nil {
			return Ack{}, &Error{Kind: Rejected, Op: "set", Path: ev.Path, Err: err}
		}
	}

	req, err := setRequest(ev.Field, ev.Path, v)
	if err != nil {
		return Ack{}, &Error{Kind: Rejected, Op: "set", Path: ev.Path, Err: err}
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := conn.Invoke(callCtx, MethodSet, req, new(emptypb.Empty)); err != nil {
		return Ack{}, classify(ctx, "set", ev.Path, err)
	}
	return Ack{Value: v, Datatype: dt}, nil
}

// datatype returns the broker's declared type for path, caching the answer.
// Brokers without the metadata method are treated as untyped.
func (c *GRPCClient) datatype(ctx context.Context, conn *grpc.ClientConn, path string) (event.DataType, error) {
	c.typesMu.RLock()
	dt, ok := c.types[path]
	c.typesMu.RUnlock()
	if ok {
		return dt, nil
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	resp := new(structpb.Struct)
	err := conn.Invoke(callCtx, MethodGetMetadata, metadataRequest(path), resp)
	switch {
	case status.Code(err) == codes.Unimplemented:
		c.log.Debug("broker has no metadata service, sending inferred types", "path", path)
		dt = event.TypeUnspecified
	case err != nil:
		return event.TypeUnspecified, classify(ctx, "metadata", path, err)
	default:
		name, _ := resp.AsMap()[fieldDatatype].(string)
		dt, err = event.ParseDataType(name)
		if err != nil {
			return event.TypeUnspecified, &Error{Kind: Rejected, Op: "metadata", Path: path, Err: err}
		}
	}

	c.typesMu.Lock()
	c.types[path] = dt
	c.typesMu.Unlock()
	return dt, nil
}

// Subscribe streams value changes of paths until ctx ends or the stream fails.
// A clean end of stream by the broker returns nil.
func (c *GRPCClient) Subscribe(ctx context.Context, field event.FieldKind, paths []string, fn func(event.Update)) error {
	conn, err := c.acquire("subscribe", "")
	if err != nil {
		return err
	}
	req, err := subscribeRequest(field, paths)
	if err != nil {
		return &Error{Kind: Rejected, Op: "subscribe", Err: err}
	}
	stream, err := conn.NewStream(ctx, &subscribeStreamDesc, MethodSubscribe)
	if err != nil {
		return classify(ctx, "subscribe", "", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return classify(ctx, "subscribe", "", err)
	}
	if err := stream.CloseSend(); err != nil {
		return classify(ctx, "subscribe", "", err)
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return classify(ctx, "subscribe", "", err)
		}
		u, err := DecodeUpdate(msg)
		if err != nil {
			c.log.Warn("dropping undecodable update", "err", err)
			continue
		}
		fn(u)
	}
}

// waitForHealth polls the standard health service until SERVING, backing off
// between checks for at most HealthTimeout.
func (c *GRPCClient) waitForHealth(ctx context.Context) error {
	parent := ctx
	if c.opts.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HealthTimeout)
		defer cancel()
	}
	hc := grpc_health_v1.NewHealthClient(c.conn)
	b := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Second,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		resp, err := hc.Check(callCtx, &grpc_health_v1.HealthCheckRequest{})
		if err != nil {
			c.log.Debug("waiting for broker health", "target", c.opts.Target(), "err", err)
			return struct{}{}, err
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			c.log.Debug("waiting for broker health", "target", c.opts.Target(), "status", resp.GetStatus().String())
			return struct{}{}, fmt.Errorf("health status %s", resp.GetStatus())
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.opts.HealthTimeout),
	)
	switch {
	case err == nil:
		return nil
	case parent.Err() != nil:
		return parent.Err()
	}
	return &Error{Kind: Timeout, Op: "connect", Err: fmt.Errorf("broker %s not healthy: %w", c.opts.Target(), err)}
}
