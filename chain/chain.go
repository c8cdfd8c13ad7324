package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Galeaf11/sdk/entities"
)

const (
	ActionCreate   = "create"
	ActionClaim    = "claim"
	ActionCancel   = "cancel"
	ActionTransfer = "transfer"
)

//TxCallback is told the hash of every transaction as soon as it is submitted
type TxCallback func(txHash common.Hash, action string)

//Contracts is the on-chain collaborator of the deal life cycle
type Contracts interface {
	//GetDeal returns a zero Deal when none exists for offerID
	GetDeal(ctx context.Context, offerID common.Hash) (entities.Deal, error)
	CreateDeal(ctx context.Context, buyer common.Address, payload entities.OfferPayload, paymentID common.Hash, signature []byte, onTx TxCallback) (entities.Deal, error)
	ClaimDeal(ctx context.Context, offerID common.Hash, onTx TxCallback) error
	CancelDeal(ctx context.Context, offerID common.Hash, cancel []entities.CancelOption, onTx TxCallback) error
	TransferDeal(ctx context.Context, offerID common.Hash, to common.Address, onTx TxCallback) error

	//SupplierSigner is the address offers of supplierID must be signed with
	SupplierSigner(ctx context.Context, supplierID common.Hash) (common.Address, error)
}

func notify(onTx TxCallback, txHash common.Hash, action string) {
	if onTx != nil {
		onTx(txHash, action)
	}
}
