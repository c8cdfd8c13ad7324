package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Galeaf11/sdk/events"
)

type Server struct {
	logger  *zap.Logger
	backend Backend
	started time.Time
	now     func() time.Time
}

func NewServer(logger *zap.Logger, backend Backend) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:  logger.Named("api"),
		backend: backend,
		started: time.Now(),
		now:     time.Now,
	}
}

//Register exposes the service on g
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

//PING
func (s *Server) Ping(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.logger.Debug("handling Ping")

	now := s.now()
	return (&PingResponse{
		Role:   s.backend.Role(),
		Time:   now.Unix(),
		Uptime: int64(now.Sub(s.started) / time.Second),
	}).toProto(), nil
}

//LIST REQUESTS
func (s *Server) ListRequests(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	request := listRequestsRequestFromProto(in)
	s.logger.Debug("handling ListRequests", zap.String("topic", request.Topic))

	reqs, err := s.backend.ListRequests(ctx, request.Topic)
	if err != nil {
		s.logger.Error("failed listing requests", zap.Error(err))
		return nil, err
	}
	if reqs == nil {
		reqs = []json.RawMessage{}
	}
	return (&ListRequestsResponse{Requests: reqs}).toProto(), nil
}

//SUBSCRIBE TO EVENTS
func (s *Server) SubscribeToEvents(in *structpb.Struct, stream EventStream) error {
	request, err := subscribeToEventsRequestFromProto(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	sub := s.backend.Subscribe()
	defer sub.Close()

	logger := s.logger.With(zap.Stringer("subscription", sub.ID()))
	logger.Info("handling SubscribeToEvents", zap.Strings("types", request.Types))

	wanted := make(map[string]bool, len(request.Types))
	for _, t := range request.Types {
		wanted[t] = true
	}

	hello, err := subscribedEvent(sub.ID())
	if err != nil {
		logger.Error("failed building subscribed event", zap.Error(err))
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.Send(hello.toProto()); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		evt, err := sub.Next(ctx)
		if err != nil {
			if err == events.ErrClosed || ctx.Err() != nil {
				logger.Info("event stream closed")
				return nil
			}
			return err
		}
		if len(wanted) > 0 && !wanted[evt.Type()] {
			continue
		}

		data, err := json.Marshal(evt)
		if err != nil {
			logger.Warn("failed marshalling event", zap.String("type", evt.Type()), zap.Error(err))
			continue
		}
		if err := stream.Send((&Event{Type: evt.Type(), Data: data}).toProto()); err != nil {
			return err
		}
	}
}

func subscribedEvent(id uuid.UUID) (*Event, error) {
	data, err := json.Marshal(map[string]string{"id": id.String()})
	if err != nil {
		return nil, errors.Wrap(err, "marshalling subscription id")
	}
	return &Event{Type: TypeSubscribed, Data: data}, nil
}
