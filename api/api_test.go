package api

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/registry"
)

type query struct {
	Guests int `json:"guests"`
}

func startAPI(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(nil, backend).Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func newRequest(t *testing.T, topic string, nonce int64) entities.Request[query] {
	t.Helper()
	req, err := messages.BuildRequest(messages.RequestParams[query]{
		Topic:  topic,
		Query:  query{Guests: 1},
		Expire: messages.ExpireIn(time.Hour),
		Nonce:  nonce,
	})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	return req
}

func TestPingAndListRequests(t *testing.T) {
	reqs := registry.NewRequests[query, struct{}](nil, registry.RequestsOptions{})
	hotel := newRequest(t, "hotels", 1)
	flight := newRequest(t, "flights", 1)
	reqs.Add(hotel)
	reqs.Add(flight)

	c := startAPI(t, NewRequestsBackend("node", reqs))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := c.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if pong.Role != "node" || pong.Time == 0 {
		t.Fatalf("pong = %+v", pong)
	}

	all, err := c.ListRequests(ctx, "")
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(all.Requests) != 2 {
		t.Fatalf("listed %d requests, want 2", len(all.Requests))
	}

	only, err := c.ListRequests(ctx, "hotels")
	if err != nil {
		t.Fatalf("ListRequests(hotels): %v", err)
	}
	if len(only.Requests) != 1 {
		t.Fatalf("listed %d hotel requests, want 1", len(only.Requests))
	}
	var rec registry.RequestRecord[query, struct{}]
	if err := json.Unmarshal(only.Requests[0], &rec); err != nil {
		t.Fatalf("unmarshalling listed record: %v", err)
	}
	if rec.Data.ID != hotel.ID {
		t.Fatalf("listed %s, want %s", rec.Data.ID.Hex(), hotel.ID.Hex())
	}

	none, err := c.ListRequests(ctx, "trains")
	if err != nil || none.Requests == nil || len(none.Requests) != 0 {
		t.Fatalf("ListRequests(trains) = %+v, %v", none, err)
	}
}

func TestSubscribeToEvents(t *testing.T) {
	reqs := registry.NewRequests[query, struct{}](nil, registry.RequestsOptions{})
	c := startAPI(t, NewRequestsBackend("client", reqs))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := c.SubscribeToEvents(ctx, events.TypeRequest, events.TypeCancel)
	if err != nil {
		t.Fatalf("SubscribeToEvents: %v", err)
	}
	hello, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if hello.Type != TypeSubscribed {
		t.Fatalf("first event = %s", hello.Type)
	}
	var subscribed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(hello.Data, &subscribed); err != nil || subscribed.ID == "" {
		t.Fatalf("subscribed data = %s, %v", hello.Data, err)
	}

	req := newRequest(t, "hotels", 1)
	reqs.Add(req)
	reqs.Delete(req.ID)
	reqs.Add(req)
	reqs.Cancel(req.ID)

	want := []string{events.TypeRequest, events.TypeRequest, events.TypeCancel}
	for _, typ := range want {
		evt, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if evt.Type != typ {
			t.Fatalf("event = %s, want %s", evt.Type, typ)
		}
	}
}

func TestWireMessagesKeepTheirBytes(t *testing.T) {
	raw := json.RawMessage(`{"id":"0x01","expire":1700000000,"query":{"price":123456789012345678901}}`)

	data, err := proto.Marshal((&ListRequestsResponse{Requests: []json.RawMessage{raw}}).toProto())
	if err != nil {
		t.Fatalf("proto.Marshal: %v", err)
	}
	out := new(structpb.Struct)
	if err := proto.Unmarshal(data, out); err != nil {
		t.Fatalf("proto.Unmarshal: %v", err)
	}
	resp, err := listRequestsResponseFromProto(out)
	if err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
	if len(resp.Requests) != 1 || string(resp.Requests[0]) != string(raw) {
		t.Fatalf("requests = %s, want %s", resp.Requests, raw)
	}

	evt := eventFromProto((&Event{Type: events.TypeRequest, Data: raw}).toProto())
	if evt.Type != events.TypeRequest || string(evt.Data) != string(raw) {
		t.Fatalf("event = %s %s", evt.Type, evt.Data)
	}
}

func TestMalformedListsRejected(t *testing.T) {
	bad, err := structpb.NewStruct(map[string]interface{}{"types": []interface{}{"request", 1}})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	if _, err := subscribeToEventsRequestFromProto(bad); err == nil {
		t.Fatalf("expected error for a non string type")
	}

	notList, _ := structpb.NewStruct(map[string]interface{}{"requests": "x"})
	if _, err := listRequestsResponseFromProto(notList); err == nil {
		t.Fatalf("expected error for a non list field")
	}

	empty, err := listRequestsResponseFromProto(&structpb.Struct{})
	if err != nil || empty.Requests == nil || len(empty.Requests) != 0 {
		t.Fatalf("empty listing = %+v, %v", empty, err)
	}
}
