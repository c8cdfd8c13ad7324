package registry

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/storage"
)

//RequestRecord is a live request with the offers it attracted
type RequestRecord[Q any, O any] struct {
	Data     entities.Request[Q]    `json:"data"`
	Offers   []entities.Offer[Q, O] `json:"offers"`
	Received int64                  `json:"received"`
}

func (r *RequestRecord[Q, O]) clone() RequestRecord[Q, O] {
	return RequestRecord[Q, O]{
		Data:     r.Data,
		Offers:   append([]entities.Offer[Q, O](nil), r.Offers...),
		Received: r.Received,
	}
}

type RequestsOptions struct {
	//Storage, when set, mirrors every record under Prefix
	Storage storage.Storage
	Prefix  string
	Now     func() time.Time
}

//Requests tracks the requests a participant currently cares about
type Requests[Q any, O any] struct {
	base[*RequestRecord[Q, O]]
}

func NewRequests[Q any, O any](logger *zap.Logger, opts RequestsOptions) *Requests[Q, O] {
	return newRequests[Q, O](logger, "requests", opts)
}

func newRequests[Q any, O any](logger *zap.Logger, name string, opts RequestsOptions) *Requests[Q, O] {
	return &Requests[Q, O]{
		base: newBase[*RequestRecord[Q, O]](logger, name, opts.Storage, opts.Prefix, opts.Now),
	}
}

//Add inserts req unless it is expired or already known, and reports
//whether it was inserted
func (r *Requests[Q, O]) Add(req entities.Request[Q]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(req)
}

//add must be called with mu held
func (r *Requests[Q, O]) add(req entities.Request[Q]) bool {
	now := r.now()
	if messages.Expired(req.Expire, now) {
		r.reject("expired", ErrExpired, zap.String("id", req.ID.Hex()))
		return false
	}
	if _, ok := r.lookup(req.ID); ok {
		return false
	}

	rec := &RequestRecord[Q, O]{Data: req, Received: now.Unix()}
	r.put(req.ID, rec)
	r.persist(req.ID, rec)

	r.logger.Debug("request added", zap.String("id", req.ID.Hex()), zap.String("topic", req.Topic))
	r.emit(events.Request[RequestRecord[Q, O]]{Data: rec.clone()})
	return true
}

func (r *Requests[Q, O]) Get(id common.Hash) (RequestRecord[Q, O], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.lookup(id)
	if !ok {
		return RequestRecord[Q, O]{}, false
	}
	return rec.clone(), true
}

//GetAll lists the records in insertion order
func (r *Requests[Q, O]) GetAll() []RequestRecord[Q, O] {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.values()
	out := make([]RequestRecord[Q, O], 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.clone())
	}
	return out
}

//Cancel withdraws a request
func (r *Requests[Q, O]) Cancel(id common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.remove(id)
	if !ok {
		return false
	}
	r.unpersist(id)
	r.emit(events.Cancel[RequestRecord[Q, O]]{Data: rec.clone()})
	return true
}

//Delete drops a request without withdrawing it
func (r *Requests[Q, O]) Delete(id common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.remove(id)
	if !ok {
		return false
	}
	r.unpersist(id)
	r.emit(events.Delete[RequestRecord[Q, O]]{Data: rec.clone()})
	return true
}

func (r *Requests[Q, O]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.reset() {
		r.unpersist(id)
	}
	r.emit(events.Clear{})
}

//Prune removes every expired request, emitting one expire event each, and
//returns the removed records
func (r *Requests[Q, O]) Prune() []RequestRecord[Q, O] {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []RequestRecord[Q, O]
	for _, rec := range r.values() {
		if !messages.Expired(rec.Data.Expire, now) {
			continue
		}
		r.remove(rec.Data.ID)
		r.unpersist(rec.Data.ID)

		c := rec.clone()
		expired = append(expired, c)
		r.emit(events.Expire[RequestRecord[Q, O]]{Data: c})
	}

	if len(expired) > 0 {
		r.logger.Debug("pruned expired requests", zap.Int("count", len(expired)))
	}
	return expired
}

//StartPruning prunes every interval until ctx is done, for owners without
//a transport heartbeat
func (r *Requests[Q, O]) StartPruning(ctx context.Context, interval time.Duration) {
	startTicker(ctx, interval, func() { r.Prune() })
}

//AddOffer attaches offer to its request
func (r *Requests[Q, O]) AddOffer(offer entities.Offer[Q, O]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reqID := offer.Request.ID
	rec, ok := r.lookup(reqID)
	if !ok {
		return &NotFoundError{Kind: "request", ID: reqID}
	}

	for _, o := range rec.Offers {
		if o.ID == offer.ID {
			return nil
		}
	}
	rec.Offers = append(rec.Offers, offer)
	r.persist(reqID, rec)

	r.logger.Debug("offer added", zap.String("request", reqID.Hex()), zap.String("offer", offer.ID.Hex()))
	r.emit(events.Offer{RequestID: reqID, OfferID: offer.ID})
	return nil
}
