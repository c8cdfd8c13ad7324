package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/chain"
	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/storage"
)

const DefaultDealsPrefix = "deals/"

//DealRecord is an accepted offer with the last known on-chain deal state
type DealRecord[Q any, O any] struct {
	Offer   entities.Offer[Q, O] `json:"offer"`
	Deal    entities.Deal        `json:"deal"`
	Updated int64                `json:"updated"`
}

type DealsOptions struct {
	Storage storage.Storage
	Prefix  string
	Now     func() time.Time
}

//Deals caches deals of accepted offers and dispatches deal actions to the chain.
//The chain stays the source of truth.
type Deals[Q any, O any] struct {
	base[*DealRecord[Q, O]]
	contracts chain.Contracts
	//pending holds offers whose deal creation is in flight, guarded by mu
	pending map[common.Hash]bool
}

func NewDeals[Q any, O any](logger *zap.Logger, contracts chain.Contracts, opts DealsOptions) *Deals[Q, O] {
	if opts.Storage != nil && opts.Prefix == "" {
		opts.Prefix = DefaultDealsPrefix
	}
	return &Deals[Q, O]{
		base:      newBase[*DealRecord[Q, O]](logger, "deals", opts.Storage, opts.Prefix, opts.Now),
		contracts: contracts,
		pending:   make(map[common.Hash]bool),
	}
}

func (d *Deals[Q, O]) notFound(offerID common.Hash) error {
	return &NotFoundError{Kind: "deal", ID: offerID}
}

//Create submits a new deal for offer paid with the payment option paymentID
func (d *Deals[Q, O]) Create(ctx context.Context, buyer common.Address, offer entities.Offer[Q, O], paymentID common.Hash, onTx chain.TxCallback) (DealRecord[Q, O], error) {
	found := false
	for _, p := range offer.Payment {
		if p.ID == paymentID {
			found = true
			break
		}
	}
	if !found {
		return DealRecord[Q, O]{}, errors.Errorf("offer #%s has no payment option %s", offer.ID.Hex(), paymentID.Hex())
	}

	d.mu.Lock()
	if _, exists := d.lookup(offer.ID); exists || d.pending[offer.ID] {
		d.mu.Unlock()
		return DealRecord[Q, O]{}, errors.Wrapf(ErrDealTracked, "offer #%s", offer.ID.Hex())
	}
	d.pending[offer.ID] = true
	d.mu.Unlock()

	deal, err := d.contracts.CreateDeal(ctx, buyer, offer.Payload, paymentID, offer.Signature, onTx)

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, offer.ID)
	if err != nil {
		return DealRecord[Q, O]{}, errors.Wrap(err, "creating deal")
	}

	rec := &DealRecord[Q, O]{Offer: offer, Deal: deal, Updated: d.now().Unix()}
	d.put(offer.ID, rec)
	d.persist(offer.ID, rec)

	d.logger.Info("deal created", zap.String("offer", offer.ID.Hex()), zap.Stringer("status", deal.Status))
	d.emit(events.Deal{OfferID: offer.ID, Status: deal.Status})
	return *rec, nil
}

func (d *Deals[Q, O]) Get(offerID common.Hash) (DealRecord[Q, O], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.lookup(offerID)
	if !ok {
		return DealRecord[Q, O]{}, false
	}
	return *rec, true
}

func (d *Deals[Q, O]) GetAll() []DealRecord[Q, O] {
	d.mu.Lock()
	defer d.mu.Unlock()

	recs := d.values()
	out := make([]DealRecord[Q, O], 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec)
	}
	return out
}

//apply stores a freshly read deal, emitting when its status changed
func (d *Deals[Q, O]) apply(offerID common.Hash, deal entities.Deal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.lookup(offerID)
	if !ok {
		return
	}
	changed := rec.Deal.Status != deal.Status
	rec.Deal = deal
	rec.Updated = d.now().Unix()
	d.persist(offerID, rec)

	if changed {
		d.logger.Info("deal status changed", zap.String("offer", offerID.Hex()), zap.Stringer("status", deal.Status))
		d.emit(events.Deal{OfferID: offerID, Status: deal.Status})
	}
}

func (d *Deals[Q, O]) refreshOne(ctx context.Context, offerID common.Hash) error {
	deal, err := d.contracts.GetDeal(ctx, offerID)
	if err != nil {
		return errors.Wrapf(err, "getting deal #%s", offerID.Hex())
	}
	if !deal.Exists() {
		d.logger.Warn("tracked deal missing on chain", zap.String("offer", offerID.Hex()))
		return nil
	}
	d.apply(offerID, deal)
	return nil
}

//Refresh polls the chain for every tracked deal. Failures are logged, the
//first one is returned.
func (d *Deals[Q, O]) Refresh(ctx context.Context) error {
	d.mu.Lock()
	ids := append([]common.Hash(nil), d.order...)
	d.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := d.refreshOne(ctx, id); err != nil {
			d.logger.Warn("failed refreshing deal", zap.String("offer", id.Hex()), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

//Start refreshes every interval until ctx is done
func (d *Deals[Q, O]) Start(ctx context.Context, interval time.Duration) {
	startTicker(ctx, interval, func() {
		d.Refresh(ctx)
	})
}

func (d *Deals[Q, O]) mutable(offerID common.Hash, action string) (DealRecord[Q, O], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.lookup(offerID)
	if !ok {
		return DealRecord[Q, O]{}, d.notFound(offerID)
	}
	if !rec.Deal.Status.Mutable() {
		return DealRecord[Q, O]{}, errors.Wrapf(ErrDealFinal, "%s deal #%s in status %s", action, offerID.Hex(), rec.Deal.Status)
	}
	return *rec, nil
}

//Cancel asks the chain to cancel the deal under the offer cancellation terms
func (d *Deals[Q, O]) Cancel(ctx context.Context, offerID common.Hash, onTx chain.TxCallback) error {
	rec, err := d.mutable(offerID, "cancelling")
	if err != nil {
		return err
	}
	if err := d.contracts.CancelDeal(ctx, offerID, rec.Offer.Cancel, onTx); err != nil {
		return errors.Wrap(err, "cancelling deal")
	}
	return d.refreshOne(ctx, offerID)
}

//Transfer hands the deal over to another buyer
func (d *Deals[Q, O]) Transfer(ctx context.Context, offerID common.Hash, to common.Address, onTx chain.TxCallback) error {
	rec, err := d.mutable(offerID, "transferring")
	if err != nil {
		return err
	}
	if !rec.Offer.Payload.Transferable {
		return errors.Wrapf(ErrNotTransferable, "transferring deal #%s", offerID.Hex())
	}
	if err := d.contracts.TransferDeal(ctx, offerID, to, onTx); err != nil {
		return errors.Wrap(err, "transferring deal")
	}
	return d.refreshOne(ctx, offerID)
}

//Restore reloads persisted deals without emitting events
func (d *Deals[Q, O]) Restore(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.loadPersisted(ctx, func(raw []byte) error {
		var rec DealRecord[Q, O]
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		d.put(rec.Offer.ID, &rec)
		return nil
	})
	if err != nil {
		return n, errors.Wrap(err, "restoring deals")
	}
	return n, nil
}
