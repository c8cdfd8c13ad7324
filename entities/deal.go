package entities

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type DealStatus uint8

const (
	DealCreated DealStatus = iota
	DealClaimed
	DealRejected
	DealRefunded
	DealCancelled
	DealCheckedIn
	DealCheckedOut
	DealDisputed
)

var dealStatusNames = [...]string{
	"Created",
	"Claimed",
	"Rejected",
	"Refunded",
	"Cancelled",
	"CheckedIn",
	"CheckedOut",
	"Disputed",
}

func (s DealStatus) String() string {
	if int(s) < len(dealStatusNames) {
		return dealStatusNames[s]
	}
	return "Unknown"
}

//Mutable reports whether a deal in this status can still be cancelled or transferred
func (s DealStatus) Mutable() bool {
	return s == DealCreated || s == DealClaimed
}

//Deal is the on-chain state of a deal as reported by the chain.
//A zero Buyer means the deal does not exist.
type Deal struct {
	OfferID common.Hash    `json:"offerId"`
	Buyer   common.Address `json:"buyer"`
	Asset   common.Address `json:"asset"`
	Price   *big.Int       `json:"price"`
	Created int64          `json:"created"`
	Status  DealStatus     `json:"status"`
}

func (d Deal) Exists() bool {
	return d.Buyer != (common.Address{})
}
