package api

import (
	"encoding/json"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/types/known/structpb"
)

//Api messages travel as structpb structs. Wire messages are carried as JSON
//strings, a structpb number would lose the precision of big values and
//change the bytes their ids are computed from.

type PingResponse struct {
	Role   string `json:"role"`
	Time   int64  `json:"time"`
	Uptime int64  `json:"uptime"`
}

func (r *PingResponse) toProto() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"role":   structpb.NewStringValue(r.Role),
		"time":   structpb.NewNumberValue(float64(r.Time)),
		"uptime": structpb.NewNumberValue(float64(r.Uptime)),
	}}
}

func pingResponseFromProto(s *structpb.Struct) *PingResponse {
	return &PingResponse{
		Role:   s.GetFields()["role"].GetStringValue(),
		Time:   int64(s.GetFields()["time"].GetNumberValue()),
		Uptime: int64(s.GetFields()["uptime"].GetNumberValue()),
	}
}

type ListRequestsRequest struct {
	//Topic filters the listing, empty lists every topic
	Topic string
}

func (r *ListRequestsRequest) toProto() *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"topic": structpb.NewStringValue(r.Topic),
	}}
}

func listRequestsRequestFromProto(s *structpb.Struct) *ListRequestsRequest {
	return &ListRequestsRequest{Topic: s.GetFields()["topic"].GetStringValue()}
}

type ListRequestsResponse struct {
	Requests []json.RawMessage
}

func (r *ListRequestsResponse) toProto() *structpb.Struct {
	reqs := make([]*structpb.Value, 0, len(r.Requests))
	for _, raw := range r.Requests {
		reqs = append(reqs, structpb.NewStringValue(string(raw)))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"requests": structpb.NewListValue(&structpb.ListValue{Values: reqs}),
	}}
}

func listRequestsResponseFromProto(s *structpb.Struct) (*ListRequestsResponse, error) {
	items, err := stringList(s, "requests")
	if err != nil {
		return nil, err
	}
	reqs := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		reqs = append(reqs, json.RawMessage(item))
	}
	return &ListRequestsResponse{Requests: reqs}, nil
}

type SubscribeToEventsRequest struct {
	//Types filters the stream, empty streams every event
	Types []string
}

func (r *SubscribeToEventsRequest) toProto() *structpb.Struct {
	types := make([]*structpb.Value, 0, len(r.Types))
	for _, t := range r.Types {
		types = append(types, structpb.NewStringValue(t))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"types": structpb.NewListValue(&structpb.ListValue{Values: types}),
	}}
}

func subscribeToEventsRequestFromProto(s *structpb.Struct) (*SubscribeToEventsRequest, error) {
	types, err := stringList(s, "types")
	if err != nil {
		return nil, err
	}
	return &SubscribeToEventsRequest{Types: types}, nil
}

//TypeSubscribed is the first event of every stream, its data carries the
//subscription id
const TypeSubscribed = "subscribed"

type Event struct {
	Type string
	Data json.RawMessage
}

func (e *Event) toProto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(e.Type),
	}
	if len(e.Data) > 0 {
		fields["data"] = structpb.NewStringValue(string(e.Data))
	}
	return &structpb.Struct{Fields: fields}
}

func eventFromProto(s *structpb.Struct) *Event {
	evt := &Event{Type: s.GetFields()["type"].GetStringValue()}
	if data := s.GetFields()["data"].GetStringValue(); data != "" {
		evt.Data = json.RawMessage(data)
	}
	return evt
}

//stringList reads a list of strings, a missing field is an empty list
func stringList(s *structpb.Struct, key string) ([]string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, errors.Errorf("field %s is not a list", key)
	}

	out := make([]string, 0, len(list.ListValue.GetValues()))
	for i, item := range list.ListValue.GetValues() {
		str, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, errors.Errorf("item %d of %s is not a string", i, key)
		}
		out = append(out, str.StringValue)
	}
	return out, nil
}
