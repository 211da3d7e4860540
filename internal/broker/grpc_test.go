package broker_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gyaneshwarpardhi/signalreplay/internal/broker"
	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// fakeBroker is an in-memory signal broker speaking the wire contract.
type fakeBroker struct {
	mu        sync.Mutex
	types     map[string]string // path → datatype; missing path = NotFound
	noMeta    bool
	setErrs   []error // returned by successive Set calls before succeeding
	sets      []event.Update
	metaCalls int
	stream    []event.Update
}

func (f *fakeBroker) Set(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.setErrs) > 0 {
		err := f.setErrs[0]
		f.setErrs = f.setErrs[1:]
		return nil, err
	}
	u, err := broker.DecodeUpdate(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	f.sets = append(f.sets, u)
	return &emptypb.Empty{}, nil
}

func (f *fakeBroker) GetMetadata(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if f.noMeta {
		return nil, status.Error(codes.Unimplemented, "no metadata")
	}
	path := req.GetFields()["path"].GetStringValue()
	dt, ok := f.types[path]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown signal %s", path)
	}
	return structpb.NewStruct(map[string]any{"datatype": dt})
}

func (f *fakeBroker) Subscribe(_ *structpb.Struct, stream grpc.ServerStream) error {
	f.mu.Lock()
	updates := append([]event.Update(nil), f.stream...)
	f.mu.Unlock()
	for _, u := range updates {
		msg, err := broker.EncodeUpdate(u)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBroker) applied() []event.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event.Update(nil), f.sets...)
}

func startBroker(t *testing.T, fb *fakeBroker, healthStatus grpc_health_v1.HealthCheckResponse_ServingStatus) (string, int) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	broker.RegisterServer(srv, fb)
	hs := health.NewServer()
	hs.SetServingStatus("", healthStatus)
	grpc_health_v1.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	addr := lis.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func dial(t *testing.T, host string, port int, mut func(*broker.Options)) *broker.GRPCClient {
	t.Helper()
	opts := broker.Options{
		Address:       host,
		Port:          port,
		CallTimeout:   2 * time.Second,
		WaitHealthy:   true,
		HealthTimeout: 2 * time.Second,
		ResolveTypes:  true,
	}
	if mut != nil {
		mut(&opts)
	}
	c, err := broker.Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func speedEvent(raw string) event.Event {
	return event.Event{Field: event.Current, Path: "Vehicle.Speed", Raw: raw, Value: event.Infer(raw)}
}

func TestApply_CoercesToDeclaredType(t *testing.T) {
	fb := &fakeBroker{types: map[string]string{"Vehicle.Speed": "float"}}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	ack, err := c.Apply(context.Background(), speedEvent("48"))
	require.NoError(t, err)
	assert.Equal(t, event.KindFloat, ack.Value.Kind())
	assert.Equal(t, event.TypeFloat, ack.Datatype)

	_, err = c.Apply(context.Background(), speedEvent("50"))
	require.NoError(t, err)

	sets := fb.applied()
	require.Len(t, sets, 2)
	assert.Equal(t, "Vehicle.Speed", sets[0].Path)
	assert.Equal(t, event.Current, sets[0].Field)
	assert.True(t, sets[1].Value.Equal(event.FloatValue(50)))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, 1, fb.metaCalls, "datatype lookups are cached")
}

func TestApply_TargetField(t *testing.T) {
	fb := &fakeBroker{noMeta: true}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	ev := event.Event{Field: event.Target, Path: "Vehicle.Cabin.Seat.Row1.Pos1.Position", Raw: "20", Value: event.Infer("20")}
	_, err := c.Apply(context.Background(), ev)
	require.NoError(t, err)

	sets := fb.applied()
	require.Len(t, sets, 1)
	assert.Equal(t, event.Target, sets[0].Field)
}

func TestApply_RejectedKinds(t *testing.T) {
	fb := &fakeBroker{types: map[string]string{"Vehicle.Speed": "uint8"}}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	// Type mismatch is rejected locally without a Set call.
	_, err := c.Apply(context.Background(), speedEvent("fast"))
	assert.ErrorIs(t, err, broker.ErrRejected)

	// Unknown signal.
	_, err = c.Apply(context.Background(), event.Event{Path: "Vehicle.Nope", Raw: "1", Value: event.Infer("1")})
	assert.ErrorIs(t, err, broker.ErrRejected)

	// Broker-side validation failure.
	fb.mu.Lock()
	fb.setErrs = []error{status.Error(codes.InvalidArgument, "out of range")}
	fb.mu.Unlock()
	_, err = c.Apply(context.Background(), speedEvent("1"))
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.Equal(t, broker.Rejected, broker.KindOf(err))

	assert.Empty(t, fb.applied())
}

func TestApply_TransientKinds(t *testing.T) {
	fb := &fakeBroker{noMeta: true, setErrs: []error{
		status.Error(codes.Unavailable, "restarting"),
		status.Error(codes.DeadlineExceeded, "slow"),
	}}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	_, err := c.Apply(context.Background(), speedEvent("1"))
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.True(t, broker.KindOf(err).Retryable())

	_, err = c.Apply(context.Background(), speedEvent("1"))
	assert.ErrorIs(t, err, broker.ErrTimeout)

	_, err = c.Apply(context.Background(), speedEvent("1"))
	assert.NoError(t, err)
}

func TestApply_UnreachableBrokerIsUnavailable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	c := dial(t, "127.0.0.1", port, func(o *broker.Options) {
		o.WaitHealthy = false
		o.ResolveTypes = false
	})
	_, err = c.Apply(context.Background(), speedEvent("1"))
	require.Error(t, err)
	assert.True(t, broker.KindOf(err).Retryable(), "got %v", err)
}

func TestApply_CallerCancellation(t *testing.T) {
	fb := &fakeBroker{noMeta: true}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Apply(ctx, speedEvent("1"))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Equal(t, broker.Kind(0), broker.KindOf(err))
}

func TestApply_AfterClose(t *testing.T) {
	fb := &fakeBroker{noMeta: true}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err := c.Apply(context.Background(), speedEvent("1"))
	assert.ErrorIs(t, err, broker.ErrUnavailable)
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestDial_WaitsForHealth(t *testing.T) {
	fb := &fakeBroker{}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	_, err := broker.Dial(context.Background(), broker.Options{
		Address:       host,
		Port:          port,
		WaitHealthy:   true,
		HealthTimeout: 300 * time.Millisecond,
	})
	assert.ErrorIs(t, err, broker.ErrTimeout)
}

func TestSubscribe(t *testing.T) {
	fb := &fakeBroker{stream: []event.Update{
		{Field: event.Current, Path: "Vehicle.Speed", Value: event.FloatValue(48)},
		{Field: event.Current, Path: "Vehicle.Speed", Value: event.FloatValue(50)},
	}}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_SERVING)
	c := dial(t, host, port, nil)

	var got []event.Update
	err := c.Subscribe(context.Background(), event.Current, []string{"Vehicle.Speed"}, func(u event.Update) {
		got = append(got, u)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Value.Equal(event.IntValue(50)))
}

func TestDial_WaitsUntilBrokerTurnsHealthy(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer()
	broker.RegisterServer(srv, &fakeBroker{noMeta: true})
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	time.AfterFunc(250*time.Millisecond, func() {
		hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	})

	addr := lis.Addr().(*net.TCPAddr)
	start := time.Now()
	c, err := broker.Dial(context.Background(), broker.Options{
		Address:       addr.IP.String(),
		Port:          addr.Port,
		WaitHealthy:   true,
		HealthTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
}

func TestDial_HealthWaitHonoursCallerCancellation(t *testing.T) {
	fb := &fakeBroker{}
	host, port := startBroker(t, fb, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := broker.Dial(ctx, broker.Options{
		Address:       host,
		Port:          port,
		WaitHealthy:   true,
		HealthTimeout: 10 * time.Second,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, broker.Kind(0), broker.KindOf(err))
}
