package control

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region types
// EventRecord is a decoded ReportState request.
type EventRecord struct {
	EventID   string
	EntityID  string
	From      string
	To        string
	Reason    string
	Timestamp time.Time
	Metadata  map[string]string
}

// Handler receives events on the control plane side.
type Handler interface {
	ReportState(ctx context.Context, ev EventRecord) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev EventRecord) error

// ReportState calls f.
func (f HandlerFunc) ReportState(ctx context.Context, ev EventRecord) error { return f(ctx, ev) }
// #endregion types

// #region service
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportState", Handler: reportStateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "capture/control/v1/control.proto",
}

// RegisterControlPlane serves h on s.
func RegisterControlPlane(s *grpc.Server, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

func reportStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		rec, err := DecodeEvent(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if err := srv.(Handler).ReportState(ctx, rec); err != nil {
			if _, ok := status.FromError(err); ok {
				return nil, err
			}
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return &emptypb.Empty{}, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: reportStateMethod}
	return interceptor(ctx, in, info, call)
}
// #endregion service

// #region decode
// DecodeEvent converts a ReportState payload back to an EventRecord.
func DecodeEvent(s *structpb.Struct) (EventRecord, error) {
	f := s.GetFields()
	rec := EventRecord{
		EventID:  f["event_id"].GetStringValue(),
		EntityID: f["entity_id"].GetStringValue(),
		From:     f["from"].GetStringValue(),
		To:       f["to"].GetStringValue(),
		Reason:   f["reason"].GetStringValue(),
	}
	if rec.EventID == "" || rec.EntityID == "" || rec.To == "" {
		return EventRecord{}, fmt.Errorf("event_id, entity_id and to are required")
	}
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return EventRecord{}, fmt.Errorf("parse timestamp: %w", err)
		}
		rec.Timestamp = t
	}
	if meta := f["metadata"].GetStructValue(); meta != nil && len(meta.GetFields()) > 0 {
		rec.Metadata = make(map[string]string, len(meta.GetFields()))
		for k, v := range meta.GetFields() {
			rec.Metadata[k] = v.GetStringValue()
		}
	}
	return rec, nil
}
// #endregion decode
