package node

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/messages"
)

//OfferRequest describes the offer a supplier wants to make for a request
type OfferRequest[O any] struct {
	RequestID    common.Hash
	Options      O
	Payment      []entities.PaymentOption
	Cancel       []entities.CancelOption
	CheckIn      int64
	CheckOut     int64
	Transferable bool
	//Expire defaults to the configured offer lifetime
	Expire messages.Expiry
}

type OfferConfig struct {
	SupplierID common.Hash
	Domain     entities.Domain
	Signer     messages.Signer
	Expire     time.Duration
	Now        func() time.Time
}

//OfferManager builds and signs the offers of a supplier and remembers
//them until they expire
type OfferManager[Q any, O any] struct {
	logger *zap.Logger
	cfg    OfferConfig

	lock   sync.Mutex
	nonce  int64
	offers map[common.Hash]entities.Offer[Q, O]
	//byRequest lists offer ids in the order they were made
	byRequest map[common.Hash][]common.Hash
}

func NewOfferManager[Q any, O any](logger *zap.Logger, cfg OfferConfig) *OfferManager[Q, O] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Expire <= 0 {
		cfg.Expire = DefaultOfferExpire
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &OfferManager[Q, O]{
		logger: logger.Named("offers"),
		cfg:    cfg,
		//nonces keep growing across restarts
		nonce:     cfg.Now().Unix(),
		offers:    make(map[common.Hash]entities.Offer[Q, O]),
		byRequest: make(map[common.Hash][]common.Hash),
	}
}

//Build signs a new offer for req and keeps it until it expires
func (om *OfferManager[Q, O]) Build(req entities.Request[Q], params OfferRequest[O]) (entities.Offer[Q, O], error) {
	if len(params.Payment) == 0 {
		return entities.Offer[Q, O]{}, errors.New("offer needs at least one payment option")
	}
	expire := params.Expire
	if expire == nil {
		expire = messages.ExpireIn(om.cfg.Expire)
	}

	om.lock.Lock()
	defer om.lock.Unlock()

	om.nonce++
	offer, err := messages.BuildOffer(messages.OfferParams[Q, O]{
		Request:      req,
		Options:      params.Options,
		Payment:      params.Payment,
		Cancel:       params.Cancel,
		CheckIn:      params.CheckIn,
		CheckOut:     params.CheckOut,
		Transferable: params.Transferable,
		Expire:       expire,
		Nonce:        om.nonce,
		SupplierID:   om.cfg.SupplierID,
		Domain:       om.cfg.Domain,
		Signer:       om.cfg.Signer,
		Now:          om.cfg.Now,
	})
	if err != nil {
		return entities.Offer[Q, O]{}, errors.Wrap(err, "building offer")
	}
	if messages.Expired(offer.Expire, om.cfg.Now()) {
		return entities.Offer[Q, O]{}, errors.Errorf("offer #%s would be expired on creation", offer.ID.Hex())
	}

	om.offers[offer.ID] = offer
	om.byRequest[req.ID] = append(om.byRequest[req.ID], offer.ID)
	return offer, nil
}

func (om *OfferManager[Q, O]) Get(offerID common.Hash) (entities.Offer[Q, O], bool) {
	om.lock.Lock()
	defer om.lock.Unlock()
	o, ok := om.offers[offerID]
	return o, ok
}

//ForRequest lists the live offers made for requestID, oldest first
func (om *OfferManager[Q, O]) ForRequest(requestID common.Hash) []entities.Offer[Q, O] {
	om.lock.Lock()
	defer om.lock.Unlock()

	var out []entities.Offer[Q, O]
	for _, id := range om.byRequest[requestID] {
		out = append(out, om.offers[id])
	}
	return out
}

//Prune forgets expired offers and returns how many were dropped
func (om *OfferManager[Q, O]) Prune() int {
	om.lock.Lock()
	defer om.lock.Unlock()

	now := om.cfg.Now()
	pruned := 0
	for reqID, ids := range om.byRequest {
		live := ids[:0]
		for _, id := range ids {
			if messages.Expired(om.offers[id].Expire, now) {
				delete(om.offers, id)
				pruned++
				continue
			}
			live = append(live, id)
		}
		if len(live) == 0 {
			delete(om.byRequest, reqID)
		} else {
			om.byRequest[reqID] = live
		}
	}

	if pruned > 0 {
		om.logger.Debug("pruned expired offers", zap.Int("count", pruned))
	}
	return pruned
}
