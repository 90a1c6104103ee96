package control

import (
	"context"
	"fmt"
	"time"

	"github.com/danielpatrickdp/capture-engine/go-core/internal/captureerr"
	"github.com/danielpatrickdp/capture-engine/go-core/internal/statesync"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName       = "capture.control.v1.ControlPlane"
	reportStateMethod = "/" + serviceName + "/ReportState"
)

// #region options
type options struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// Option configures a GRPCReporter.
type Option func(*options)

// WithTimeout bounds each ReportState call. Zero leaves the caller's deadline alone.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{timeout: 5 * time.Second, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("component", "control_reporter").Logger()
	return o
}

// #endregion options

// #region client-struct
// GRPCReporter sends state change events to the control plane over gRPC.
// It implements statesync.Reporter.
type GRPCReporter[S comparable] struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
	opts options
}
// #endregion client-struct

// #region constructor
// NewGRPCReporter connects to the control plane at addr.
func NewGRPCReporter[S comparable](addr string, opts ...Option) (*GRPCReporter[S], error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCReporter[S]{conn: conn, cc: conn, opts: buildOptions(opts)}, nil
}

// NewGRPCReporterWithConn uses an existing connection. The caller owns it.
func NewGRPCReporterWithConn[S comparable](cc grpc.ClientConnInterface, opts ...Option) *GRPCReporter[S] {
	return &GRPCReporter[S]{cc: cc, opts: buildOptions(opts)}
}

// Close shuts down a connection opened by NewGRPCReporter.
func (r *GRPCReporter[S]) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
// #endregion constructor

// #region report
func (r *GRPCReporter[S]) ReportState(ctx context.Context, ev statesync.Event[S]) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return captureerr.New(captureerr.KindRuntime, captureerr.CodeInvalidValue, "encode state event").
			WithComponent("control").WithResource(ev.EntityID).Wrap(err)
	}
	if r.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := r.cc.Invoke(ctx, reportStateMethod, payload, &emptypb.Empty{}); err != nil {
		return captureerr.New(captureerr.KindNetwork, captureerr.CodeOperationFailed, "report state rpc").
			WithComponent("control").WithOperation("report_state").WithResource(ev.EntityID).Wrap(err)
	}
	r.opts.logger.Debug().Str("entity_id", ev.EntityID).Dur("latency", time.Since(start)).Msg("state reported")
	return nil
}

// EncodeEvent renders ev as the ReportState request payload.
func EncodeEvent[S comparable](ev statesync.Event[S]) (*structpb.Struct, error) {
	meta := make(map[string]any, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"event_id":  ev.ID,
		"entity_id": ev.EntityID,
		"from":      fmt.Sprint(ev.Transition.From),
		"to":        fmt.Sprint(ev.Transition.To),
		"reason":    ev.Transition.Reason,
		"timestamp": ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"metadata":  meta,
	})
}
// #endregion report

// #region log-reporter
// LogReporter writes events to the log instead of a control plane. Used
// when no control plane address is configured.
func LogReporter[S comparable](l zerolog.Logger) statesync.Reporter[S] {
	l = l.With().Str("component", "control_reporter").Logger()
	return statesync.ReporterFunc[S](func(_ context.Context, ev statesync.Event[S]) error {
		l.Info().
			Str("entity_id", ev.EntityID).
			Str("from", fmt.Sprint(ev.Transition.From)).
			Str("to", fmt.Sprint(ev.Transition.To)).
			Str("reason", ev.Transition.Reason).
			Msg("state change")
		return nil
	})
}
// #endregion log-reporter
