package broker

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gyaneshwarpardhi/signalreplay/internal/event"
)

// Wire contract of the signal broker service. Messages are
// google.protobuf.Struct so no generated code is needed on either side.
const (
	ServiceName       = "signalbroker.v1.Broker"
	MethodSet         = "/" + ServiceName + "/Set"
	MethodGetMetadata = "/" + ServiceName + "/GetMetadata"
	MethodSubscribe   = "/" + ServiceName + "/Subscribe"
)

// Struct field names.
const (
	fieldPath     = "path"
	fieldPaths    = "paths"
	fieldField    = "field"
	fieldValue    = "value"
	fieldDatatype = "datatype"
	fieldKind     = "kind"
)

var subscribeStreamDesc = grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// setRequest carries the value kind next to the value. Integers travel as
// decimal strings since a Struct number is a float64 and cannot hold every
// int64 or uint64 exactly.
func setRequest(field event.FieldKind, path string, v event.Value) (*structpb.Struct, error) {
	var wire any = v.Interface()
	switch v.Kind() {
	case event.KindInt, event.KindUint:
		wire = v.String()
	}
	return structpb.NewStruct(map[string]any{
		fieldPath:  path,
		fieldField: field.String(),
		fieldKind:  v.Kind().String(),
		fieldValue: wire,
	})
}

// decodeValue restores a value written by setRequest. Messages without a kind
// are decoded from the plain Struct scalar.
func decodeValue(kind string, raw any) (event.Value, error) {
	if kind == "" {
		return event.FromInterface(raw)
	}
	k, err := event.ParseValueKind(kind)
	if err != nil {
		return event.Value{}, err
	}
	switch k {
	case event.KindInt, event.KindUint:
		s, ok := raw.(string)
		if !ok {
			return event.Value{}, fmt.Errorf("%s value must be a decimal string, got %T", k, raw)
		}
		dt := event.TypeInt64
		if k == event.KindUint {
			dt = event.TypeUint64
		}
		return event.Coerce(s, dt)
	}
	v, err := event.FromInterface(raw)
	if err != nil {
		return event.Value{}, err
	}
	if v.Kind() != k {
		return event.Value{}, fmt.Errorf("value %v is not a %s", raw, k)
	}
	return v, nil
}

func metadataRequest(path string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldPath: structpb.NewStringValue(path),
	}}
}

func subscribeRequest(field event.FieldKind, paths []string) (*structpb.Struct, error) {
	list := make([]any, len(paths))
	for i, p := range paths {
		list[i] = p
	}
	return structpb.NewStruct(map[string]any{
		fieldPaths: list,
		fieldField: field.String(),
	})
}

// DecodeUpdate reads a Set request or a Subscribe stream message.
func DecodeUpdate(s *structpb.Struct) (event.Update, error) {
	m := s.AsMap()
	path, _ := m[fieldPath].(string)
	if path == "" {
		return event.Update{}, fmt.Errorf("update without path")
	}
	token, _ := m[fieldField].(string)
	if token == "" {
		token = event.Current.String()
	}
	field, err := event.ParseFieldKind(token)
	if err != nil {
		return event.Update{}, err
	}
	kind, _ := m[fieldKind].(string)
	v, err := decodeValue(kind, m[fieldValue])
	if err != nil {
		return event.Update{}, fmt.Errorf("update %s: %w", path, err)
	}
	return event.Update{Field: field, Path: path, Value: v}, nil
}

// EncodeUpdate builds a Subscribe stream message.
func EncodeUpdate(u event.Update) (*structpb.Struct, error) {
	return setRequest(u.Field, u.Path, u.Value)
}

// Server is implemented by broker services speaking this wire contract.
type Server interface {
	Set(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	GetMetadata(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
}

// RegisterServer registers srv on s under ServiceName.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "GetMetadata", Handler: metadataHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
}

func setHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSet}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Set(ctx, req.(*structpb.Struct))
	})
}

func metadataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetMetadata(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetMetadata}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(Server).GetMetadata(ctx, req.(*structpb.Struct))
	})
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Server).Subscribe(in, stream)
}
