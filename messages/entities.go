package messages

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/entities"
)

//Envelope is the minimal shape every wire message shares
type Envelope struct {
	ID     string `json:"id"`
	Expire int64  `json:"expire"`
	Nonce  int64  `json:"nonce"`
}

//DecodeEnvelope is the default message transformer of the overlay
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, errors.Wrap(err, "unmarshalling message envelope")
	}
	if env.ID == "" {
		return env, errors.New("message envelope without id")
	}
	return env, nil
}

type Kind int

const (
	KindUnknown Kind = iota
	KindRequest
	KindOffer
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindOffer:
		return "offer"
	}
	return "unknown"
}

//KindOf tells requests and offers apart without decoding type specific fields
func KindOf(data []byte) Kind {
	var probe struct {
		Topic   *string         `json:"topic"`
		Request json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return KindUnknown
	}

	switch {
	case len(probe.Request) > 0:
		return KindOffer
	case probe.Topic != nil:
		return KindRequest
	}
	return KindUnknown
}

func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling message")
	}
	return b, nil
}

func DecodeRequest[Q any](data []byte) (entities.Request[Q], error) {
	var req entities.Request[Q]
	if err := json.Unmarshal(data, &req); err != nil {
		return req, errors.Wrap(err, "unmarshalling request")
	}
	return req, nil
}

func DecodeOffer[Q any, O any](data []byte) (entities.Offer[Q, O], error) {
	var offer entities.Offer[Q, O]
	if err := json.Unmarshal(data, &offer); err != nil {
		return offer, errors.Wrap(err, "unmarshalling offer")
	}
	return offer, nil
}
