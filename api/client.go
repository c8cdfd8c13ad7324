package api

import (
	"context"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

//Client calls the api of a running participant
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

//Dial connects to addr without transport security
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "dialing api")
	}
	return NewClient(conn), conn, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodPing, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return pingResponseFromProto(out), nil
}

func (c *Client) ListRequests(ctx context.Context, topic string) (*ListRequestsResponse, error) {
	in := &ListRequestsRequest{Topic: topic}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodList, in.toProto(), out); err != nil {
		return nil, err
	}
	resp, err := listRequestsResponseFromProto(out)
	if err != nil {
		return nil, errors.Wrap(err, "decoding request listing")
	}
	return resp, nil
}

//EventReceiver reads a SubscribeToEvents stream
type EventReceiver struct {
	stream grpc.ClientStream
}

func (r *EventReceiver) Recv() (*Event, error) {
	out := new(structpb.Struct)
	if err := r.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return eventFromProto(out), nil
}

//SubscribeToEvents streams the events of the given types, every type when
//none is given. Cancel ctx to end the stream.
func (c *Client) SubscribeToEvents(ctx context.Context, types ...string) (*EventReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[subscribeStreamIx], methodSubscribe)
	if err != nil {
		return nil, err
	}
	in := &SubscribeToEventsRequest{Types: types}
	if err := stream.SendMsg(in.toProto()); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}
