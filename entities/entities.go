package entities

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

//Request is a buyer's intent broadcast on a topic.
//Query carries the application payload, its shape is fixed by the caller.
type Request[Q any] struct {
	ID     common.Hash `json:"id"`
	Expire int64       `json:"expire"`
	Nonce  int64       `json:"nonce"`
	Topic  string      `json:"topic"`
	Query  Q           `json:"query"`
}

//PaymentOption is one of the price candidates of an offer
type PaymentOption struct {
	ID    common.Hash    `json:"id"`
	Asset common.Address `json:"asset"`
	Price *big.Int       `json:"price"`
}

//CancelOption is a cancellation tier: cancelling before Time costs Penalty
type CancelOption struct {
	Time    int64    `json:"time"`
	Penalty *big.Int `json:"penalty"`
}

//OfferPayload is the struct signed by the supplier as EIP-712 typed data
type OfferPayload struct {
	ID           common.Hash `json:"id"`
	Expire       int64       `json:"expire"`
	SupplierID   common.Hash `json:"supplierId"`
	ChainID      *big.Int    `json:"chainId"`
	RequestHash  common.Hash `json:"requestHash"`
	OptionsHash  common.Hash `json:"optionsHash"`
	PaymentHash  common.Hash `json:"paymentHash"`
	CancelHash   common.Hash `json:"cancelHash"`
	Transferable bool        `json:"transferable"`
	CheckIn      int64       `json:"checkIn"`
	CheckOut     int64       `json:"checkOut"`
}

//Offer is a supplier's signed response to exactly one request.
//The request is embedded so an offer can be verified without a lookup.
type Offer[Q any, O any] struct {
	ID        common.Hash     `json:"id"`
	Expire    int64           `json:"expire"`
	Nonce     int64           `json:"nonce"`
	Request   Request[Q]      `json:"request"`
	Options   O               `json:"options"`
	Payment   []PaymentOption `json:"payment"`
	Cancel    []CancelOption  `json:"cancel"`
	Payload   OfferPayload    `json:"payload"`
	Signature hexutil.Bytes   `json:"signature"`
}

//Domain is the EIP-712 typed data domain offers are signed under
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           *big.Int       `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}
