package chain

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/entities"
)

var (
	ErrDealExists      = errors.New("deal already exists")
	ErrDealNotFound    = errors.New("deal not found")
	ErrUnknownSupplier = errors.New("supplier not registered")
	ErrUnknownPayment  = errors.New("payment option not offered")
)

//Simulated is an in-process Contracts for local networks and tests.
//It keeps deals in memory and derives transaction hashes from the call.
type Simulated struct {
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	nonce     uint64
	deals     map[common.Hash]entities.Deal
	prices    map[common.Hash]map[common.Hash]paymentTerms
	suppliers map[common.Hash]common.Address
}

type paymentTerms struct {
	asset common.Address
	price *big.Int
}

func NewSimulated(logger *zap.Logger, now func() time.Time) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Simulated{
		logger:    logger.Named("chain"),
		now:       now,
		deals:     make(map[common.Hash]entities.Deal),
		prices:    make(map[common.Hash]map[common.Hash]paymentTerms),
		suppliers: make(map[common.Hash]common.Address),
	}
}

//RegisterSupplier binds a supplier id to its signer address
func (s *Simulated) RegisterSupplier(supplierID common.Hash, signer common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[supplierID] = signer
}

//RegisterPayment makes the payment options of an offer known, the way a
//contract learns them from the signed calldata
func (s *Simulated) RegisterPayment(offerID common.Hash, options []entities.PaymentOption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terms := make(map[common.Hash]paymentTerms, len(options))
	for _, o := range options {
		terms[o.ID] = paymentTerms{asset: o.Asset, price: o.Price}
	}
	s.prices[offerID] = terms
}

//SetStatus forces a deal status, as a supplier check-in or a dispute would
func (s *Simulated) SetStatus(offerID common.Hash, status entities.DealStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deal, ok := s.deals[offerID]
	if !ok {
		return ErrDealNotFound
	}
	deal.Status = status
	s.deals[offerID] = deal
	return nil
}

//txHash must be called with mu held
func (s *Simulated) txHash(offerID common.Hash, action string) common.Hash {
	s.nonce++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.nonce)
	return crypto.Keccak256Hash(offerID.Bytes(), []byte(action), n[:])
}

func (s *Simulated) GetDeal(_ context.Context, offerID common.Hash) (entities.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deals[offerID], nil
}

func (s *Simulated) CreateDeal(_ context.Context, buyer common.Address, payload entities.OfferPayload, paymentID common.Hash, signature []byte, onTx TxCallback) (entities.Deal, error) {
	s.mu.Lock()
	if _, ok := s.deals[payload.ID]; ok {
		s.mu.Unlock()
		return entities.Deal{}, ErrDealExists
	}
	if len(signature) == 0 {
		s.mu.Unlock()
		return entities.Deal{}, errors.New("offer signature is required")
	}

	deal := entities.Deal{
		OfferID: payload.ID,
		Buyer:   buyer,
		Created: s.now().Unix(),
		Status:  entities.DealCreated,
	}
	if terms, ok := s.prices[payload.ID]; ok {
		t, ok := terms[paymentID]
		if !ok {
			s.mu.Unlock()
			return entities.Deal{}, ErrUnknownPayment
		}
		deal.Asset, deal.Price = t.asset, t.price
	}
	s.deals[payload.ID] = deal
	tx := s.txHash(payload.ID, ActionCreate)
	s.mu.Unlock()

	s.logger.Debug("deal created", zap.String("offer", payload.ID.Hex()))
	notify(onTx, tx, ActionCreate)
	return deal, nil
}

func (s *Simulated) update(offerID common.Hash, action string, fn func(*entities.Deal) error) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deal, ok := s.deals[offerID]
	if !ok {
		return common.Hash{}, ErrDealNotFound
	}
	if err := fn(&deal); err != nil {
		return common.Hash{}, err
	}
	s.deals[offerID] = deal
	return s.txHash(offerID, action), nil
}

func (s *Simulated) ClaimDeal(_ context.Context, offerID common.Hash, onTx TxCallback) error {
	tx, err := s.update(offerID, ActionClaim, func(d *entities.Deal) error {
		if d.Status != entities.DealCreated {
			return errors.Errorf("cannot claim deal in status %s", d.Status)
		}
		d.Status = entities.DealClaimed
		return nil
	})
	if err != nil {
		return err
	}
	notify(onTx, tx, ActionClaim)
	return nil
}

func (s *Simulated) CancelDeal(_ context.Context, offerID common.Hash, _ []entities.CancelOption, onTx TxCallback) error {
	tx, err := s.update(offerID, ActionCancel, func(d *entities.Deal) error {
		if !d.Status.Mutable() {
			return errors.Errorf("cannot cancel deal in status %s", d.Status)
		}
		d.Status = entities.DealCancelled
		return nil
	})
	if err != nil {
		return err
	}
	notify(onTx, tx, ActionCancel)
	return nil
}

func (s *Simulated) TransferDeal(_ context.Context, offerID common.Hash, to common.Address, onTx TxCallback) error {
	tx, err := s.update(offerID, ActionTransfer, func(d *entities.Deal) error {
		if !d.Status.Mutable() {
			return errors.Errorf("cannot transfer deal in status %s", d.Status)
		}
		d.Buyer = to
		return nil
	})
	if err != nil {
		return err
	}
	notify(onTx, tx, ActionTransfer)
	return nil
}

func (s *Simulated) SupplierSigner(_ context.Context, supplierID common.Hash) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, ok := s.suppliers[supplierID]
	if !ok {
		return common.Address{}, ErrUnknownSupplier
	}
	return addr, nil
}
