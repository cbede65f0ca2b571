// Package grpc serves the final frame stream to spectators and replay tools.
// Frames are JSON envelopes from the event stream, compressed and carried in
// BytesValue messages; the compressor name travels in the response header.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"wormy/broker/internal/events"
	"wormy/broker/internal/logging"
)

const (
	// SpectatorServiceName is the fully qualified gRPC service name.
	SpectatorServiceName = "wormy.Spectator"
	// EncodingHeader names the compressor used for every message of a stream.
	EncodingHeader = "x-wormy-encoding"

	framesMethod            = "/" + SpectatorServiceName + "/Frames"
	defaultSubscriberBuffer = 64
)

// SpectatorServer is implemented by Service.
type SpectatorServer interface {
	Frames(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error
}

// SpectatorServiceDesc describes wormy.Spectator for grpc.Server.RegisterService.
var SpectatorServiceDesc = grpc.ServiceDesc{
	ServiceName: SpectatorServiceName,
	HandlerType: (*SpectatorServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Frames",
		Handler:       framesHandler,
		ServerStreams: true,
	}},
	Metadata: "wormy/spectator",
}

func framesHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(SpectatorServer).Frames(req, &grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ServerStream: stream})
}

// FrameSource is the event stream spectators subscribe to.
type FrameSource interface {
	Subscribe(ctx context.Context, subscriberID string, buffer int) (*events.Subscription, error)
}

// Option customises the spectator service.
type Option func(*Service)

// WithCompressor overrides the default lz4 compressor.
func WithCompressor(compressor Compressor) Option {
	return func(s *Service) {
		if compressor != nil {
			s.compressor = compressor
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSubscriberBuffer sizes each spectator's delivery channel.
func WithSubscriberBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// Service relays the event stream to gRPC spectators.
type Service struct {
	source     FrameSource
	compressor Compressor
	buffer     int
	logger     *logging.Logger
}

// NewService wires the spectator service to source.
func NewService(source FrameSource, opts ...Option) *Service {
	s := &Service{source: source, compressor: NewLZ4Compressor(), buffer: defaultSubscriberBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.Named("spectator")
	return s
}

// Register attaches the service to server.
func Register(server *grpc.Server, service *Service) {
	server.RegisterService(&SpectatorServiceDesc, service)
}

// Frames streams every envelope the subscriber has not acknowledged yet and
// then follows the live stream. Reconnecting with the same id resumes.
func (s *Service) Frames(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) error {
	if s == nil || s.source == nil {
		return status.Error(codes.FailedPrecondition, "spectating unavailable")
	}
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return status.Error(codes.InvalidArgument, "subscriber id required")
	}
	ctx := stream.Context()
	if err := stream.SendHeader(metadata.Pairs(EncodingHeader, s.compressor.Name())); err != nil {
		return err
	}
	s.logger.Info("spectator attached", logging.String("subscriber", id))
	defer s.logger.Info("spectator detached", logging.String("subscriber", id))
	for {
		sub, err := s.source.Subscribe(ctx, id, s.buffer)
		if err != nil {
			return status.Errorf(codes.Internal, "subscribe: %v", err)
		}
		resume, err := s.pump(ctx, sub, stream)
		sub.Close()
		if !resume {
			return err
		}
		//1.- A live event was dropped while the spectator lagged; replay from its last ack.
		s.logger.Debug("spectator lagged, replaying", logging.String("subscriber", id))
	}
}

func (s *Service) pump(ctx context.Context, sub *events.Subscription, stream grpc.ServerStreamingServer[wrapperspb.BytesValue]) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return false, status.Error(codes.Canceled, "stream cancelled")
			}
			return false, status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-sub.Done():
			return false, status.Error(codes.Aborted, "subscription replaced by a newer stream")
		case env := <-sub.Events():
			payload, err := json.Marshal(env)
			if err != nil {
				return false, status.Errorf(codes.Internal, "encode envelope: %v", err)
			}
			compressed, err := s.compressor.Compress(payload)
			if err != nil {
				return false, status.Errorf(codes.Internal, "compress envelope: %v", err)
			}
			if err := stream.Send(wrapperspb.Bytes(compressed)); err != nil {
				return false, err
			}
			if err := sub.Ack(env.Sequence); err != nil {
				if errors.Is(err, events.ErrOutOfOrderAck) {
					return true, nil
				}
				return false, status.Errorf(codes.Internal, "ack: %v", err)
			}
		}
	}
}

// SpectatorClient dials wormy.Spectator.
type SpectatorClient struct {
	cc grpc.ClientConnInterface
}

// NewSpectatorClient wraps an established connection.
func NewSpectatorClient(cc grpc.ClientConnInterface) *SpectatorClient {
	return &SpectatorClient{cc: cc}
}

// FrameReader decodes envelopes from a Frames stream. Envelopes replayed
// after a server-side resume are skipped.
type FrameReader struct {
	stream     grpc.ServerStreamingClient[wrapperspb.BytesValue]
	compressor Compressor
	last       uint64
}

// Frames opens a stream for subscriberID.
func (c *SpectatorClient) Frames(ctx context.Context, subscriberID string, opts ...grpc.CallOption) (*FrameReader, error) {
	raw, err := c.cc.NewStream(ctx, &SpectatorServiceDesc.Streams[0], framesMethod, opts...)
	if err != nil {
		return nil, err
	}
	stream := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ClientStream: raw}
	if err := stream.SendMsg(wrapperspb.String(subscriberID)); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	//1.- A failed call yields no header; Next then surfaces the status.
	md, err := stream.Header()
	if err != nil {
		return nil, err
	}
	encoding := ""
	if values := md.Get(EncodingHeader); len(values) > 0 {
		encoding = values[0]
	}
	compressor, err := CompressorFor(encoding)
	if err != nil {
		return nil, err
	}
	return &FrameReader{stream: stream, compressor: compressor}, nil
}

// Next blocks for the next unseen envelope.
func (r *FrameReader) Next() (*events.Envelope, error) {
	for {
		msg, err := r.stream.Recv()
		if err != nil {
			return nil, err
		}
		payload, err := r.compressor.Decompress(msg.GetValue())
		if err != nil {
			return nil, err
		}
		var env events.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		if env.Sequence <= r.last {
			continue
		}
		r.last = env.Sequence
		return &env, nil
	}
}

var _ SpectatorServer = (*Service)(nil)
