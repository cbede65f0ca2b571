// Package timesync streams the broker's frame clock over gRPC so tools and
// out-of-band clients can map wall time onto frames without a websocket.
package timesync

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"wormy/broker/internal/logging"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wormy.TimeSync"

const streamMethod = "/" + ServiceName + "/Stream"

// Sample is one reading of the authoritative frame clock.
type Sample struct {
	Start    time.Time
	Now      time.Time
	Interval time.Duration
	Frame    int
}

// Source provides clock readings. It is called from stream goroutines.
type Source interface {
	TimeSample() Sample
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Sample

func (f SourceFunc) TimeSample() Sample { return f() }

// EstimateStart converts the server's frame-zero time into local time. The
// reading is assumed to have been taken half a round trip before localNow.
func EstimateStart(serverStart, serverNow, localNow time.Time, ping time.Duration) time.Time {
	diff := localNow.Add(-ping / 2).Sub(serverNow)
	return serverStart.Add(diff)
}

// TimeSyncServer is implemented by Service.
type TimeSyncServer interface {
	Stream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

// ServiceDesc describes wormy.TimeSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TimeSyncServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Stream",
		Handler:       streamHandler,
		ServerStreams: true,
	}},
	Metadata: "wormy/timesync",
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TimeSyncServer).Stream(req, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// Service pushes periodic clock samples.
type Service struct {
	source   Source
	interval time.Duration
	logger   *logging.Logger
}

// NewService wires source into the gRPC transport.
func NewService(source Source, interval time.Duration, logger *logging.Logger) *Service {
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{source: source, interval: interval, logger: logger.Named("timesync")}
}

// Register attaches the service to server.
func Register(server *grpc.Server, service *Service) {
	server.RegisterService(&ServiceDesc, service)
}

// Stream sends a sample immediately and then once per interval.
func (s *Service) Stream(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.source == nil {
		return status.Error(codes.Unavailable, "time sync service unavailable")
	}
	client := "grpc-client"
	if v, ok := req.GetFields()["client"]; ok && v.GetStringValue() != "" {
		client = v.GetStringValue()
	}
	s.logger.Debug("time sync stream opened", logging.String("client", client))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	if err := s.send(stream); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			if err := s.send(stream); err != nil {
				return err
			}
		}
	}
}

func (s *Service) send(stream grpc.ServerStreamingServer[structpb.Struct]) error {
	msg, err := encode(s.source.TimeSample())
	if err != nil {
		return status.Errorf(codes.Internal, "encode sample: %v", err)
	}
	return stream.Send(msg)
}

func encode(sample Sample) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"serverStart": float64(sample.Start.UnixMilli()),
		"serverNow":   float64(sample.Now.UnixMilli()),
		"interval":    float64(sample.Interval) / float64(time.Millisecond),
		"frame":       float64(sample.Frame),
	})
}

func decode(msg *structpb.Struct) (Sample, error) {
	fields := msg.GetFields()
	for _, key := range []string{"serverStart", "serverNow", "interval", "frame"} {
		if _, ok := fields[key]; !ok {
			return Sample{}, errors.New("sample missing " + key)
		}
	}
	return Sample{
		Start:    time.UnixMilli(int64(fields["serverStart"].GetNumberValue())),
		Now:      time.UnixMilli(int64(fields["serverNow"].GetNumberValue())),
		Interval: time.Duration(fields["interval"].GetNumberValue() * float64(time.Millisecond)),
		Frame:    int(fields["frame"].GetNumberValue()),
	}, nil
}

// Client reads wormy.TimeSync.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Reader yields samples from an open stream.
type Reader struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Stream opens a sample stream identifying itself as client.
func (c *Client) Stream(ctx context.Context, client string, opts ...grpc.CallOption) (*Reader, error) {
	raw, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], streamMethod, opts...)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: raw}
	req, err := structpb.NewStruct(map[string]any{"client": client})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Reader{stream: stream}, nil
}

// Next blocks for the next sample.
func (r *Reader) Next() (Sample, error) {
	msg, err := r.stream.Recv()
	if err != nil {
		return Sample{}, err
	}
	return decode(msg)
}

var _ TimeSyncServer = (*Service)(nil)
