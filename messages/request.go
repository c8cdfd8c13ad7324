package messages

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/entities"
)

//RequestParams are the inputs of BuildRequest
type RequestParams[Q any] struct {
	Topic  string
	Query  Q
	Expire Expiry
	Nonce  int64

	//Now overrides the build time, defaults to time.Now
	Now func() time.Time
}

//requestContent is the hashed part of a request, the id itself excluded
type requestContent[Q any] struct {
	Topic  string `json:"topic"`
	Query  Q      `json:"query"`
	Expire int64  `json:"expire"`
	Nonce  int64  `json:"nonce"`
}

//BuildRequest normalises the expiration and derives the request id from
//the canonical content
func BuildRequest[Q any](p RequestParams[Q]) (entities.Request[Q], error) {
	if p.Topic == "" {
		return entities.Request[Q]{}, errors.New("request topic must be provided")
	}
	if p.Expire == nil {
		return entities.Request[Q]{}, errors.New("request expiration time must be provided")
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	req := entities.Request[Q]{
		Topic:  p.Topic,
		Query:  p.Query,
		Expire: p.Expire(now()),
		Nonce:  p.Nonce,
	}

	id, err := RequestID(req)
	if err != nil {
		return entities.Request[Q]{}, errors.Wrap(err, "hashing request")
	}
	req.ID = id

	return req, nil
}

//RequestID recomputes the content id of a request. The id carried by the
//request is ignored.
func RequestID[Q any](req entities.Request[Q]) (common.Hash, error) {
	return Hash(requestContent[Q]{
		Topic:  req.Topic,
		Query:  req.Query,
		Expire: req.Expire,
		Nonce:  req.Nonce,
	})
}
