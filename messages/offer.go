package messages

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/entities"
)

var (
	ErrNoSigner        = errors.New("either signer or signature override must be provided")
	ErrPayloadMismatch = errors.New("offer payload does not match offer content")
)

//SignerMismatchError is returned by VerifyOffer when the recovered signer
//is not the expected one
type SignerMismatchError struct {
	Expected  common.Address
	Recovered common.Address
}

func (e *SignerMismatchError) Error() string {
	return fmt.Sprintf("invalid offer signer %s", e.Expected.Hex())
}

//OfferParams are the inputs of BuildOffer
type OfferParams[Q any, O any] struct {
	Request      entities.Request[Q]
	Options      O
	Payment      []entities.PaymentOption
	Cancel       []entities.CancelOption
	CheckIn      int64
	CheckOut     int64
	Transferable bool
	Expire       Expiry
	Nonce        int64
	SupplierID   common.Hash
	Domain       entities.Domain

	//Signer signs the payload, unless SignatureOverride is set
	Signer            Signer
	SignatureOverride []byte
	//IDOverride restores a previously built offer without recomputing its id
	IDOverride *common.Hash

	Now func() time.Time
}

//offerContent is hashed into the offer id
type offerContent struct {
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

type contentHashes struct {
	request, options, payment, cancel common.Hash
}

func hashContent[Q any, O any](req entities.Request[Q], options O, payment []entities.PaymentOption, cancel []entities.CancelOption) (contentHashes, error) {
	var hs contentHashes
	var err error

	if hs.request, err = Hash(req); err != nil {
		return hs, errors.Wrap(err, "hashing request")
	}
	if hs.options, err = Hash(options); err != nil {
		return hs, errors.Wrap(err, "hashing options")
	}
	if hs.payment, err = Hash(payment); err != nil {
		return hs, errors.Wrap(err, "hashing payment options")
	}
	if hs.cancel, err = Hash(cancel); err != nil {
		return hs, errors.Wrap(err, "hashing cancellation options")
	}
	return hs, nil
}

//BuildOffer assembles, identifies and signs an offer
func BuildOffer[Q any, O any](p OfferParams[Q, O]) (entities.Offer[Q, O], error) {
	if p.Signer == nil && len(p.SignatureOverride) == 0 {
		return entities.Offer[Q, O]{}, ErrNoSigner
	}
	if p.Expire == nil {
		return entities.Offer[Q, O]{}, errors.New("offer expiration time must be provided")
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	hs, err := hashContent(p.Request, p.Options, p.Payment, p.Cancel)
	if err != nil {
		return entities.Offer[Q, O]{}, err
	}

	payload := entities.OfferPayload{
		Expire:       p.Expire(now()),
		SupplierID:   p.SupplierID,
		ChainID:      p.Domain.ChainID,
		RequestHash:  hs.request,
		OptionsHash:  hs.options,
		PaymentHash:  hs.payment,
		CancelHash:   hs.cancel,
		Transferable: p.Transferable,
		CheckIn:      p.CheckIn,
		CheckOut:     p.CheckOut,
	}

	if p.IDOverride != nil {
		payload.ID = *p.IDOverride
	} else {
		id, err := Hash(offerContent{
			Expire:       payload.Expire,
			SupplierID:   payload.SupplierID,
			ChainID:      payload.ChainID,
			RequestHash:  payload.RequestHash,
			OptionsHash:  payload.OptionsHash,
			PaymentHash:  payload.PaymentHash,
			CancelHash:   payload.CancelHash,
			Transferable: payload.Transferable,
			CheckIn:      payload.CheckIn,
			CheckOut:     payload.CheckOut,
		})
		if err != nil {
			return entities.Offer[Q, O]{}, errors.Wrap(err, "hashing offer")
		}
		payload.ID = id
	}

	var signature hexutil.Bytes
	if len(p.SignatureOverride) > 0 {
		signature = append(hexutil.Bytes(nil), p.SignatureOverride...)
	} else {
		sig, err := p.Signer.SignTypedData(TypedData(payload, p.Domain))
		if err != nil {
			return entities.Offer[Q, O]{}, errors.Wrap(err, "signing offer")
		}
		signature = sig
	}

	return entities.Offer[Q, O]{
		ID:        payload.ID,
		Expire:    payload.Expire,
		Nonce:     p.Nonce,
		Request:   p.Request,
		Options:   p.Options,
		Payment:   p.Payment,
		Cancel:    p.Cancel,
		Payload:   payload,
		Signature: signature,
	}, nil
}

//VerifyOffer checks that the signed payload commits to the offer content and
//that it was signed by address under domain
func VerifyOffer[Q any, O any](offer entities.Offer[Q, O], domain entities.Domain, address common.Address) error {
	if offer.ID != offer.Payload.ID || offer.Expire != offer.Payload.Expire {
		return ErrPayloadMismatch
	}

	hs, err := hashContent(offer.Request, offer.Options, offer.Payment, offer.Cancel)
	if err != nil {
		return err
	}
	if hs.request != offer.Payload.RequestHash ||
		hs.options != offer.Payload.OptionsHash ||
		hs.payment != offer.Payload.PaymentHash ||
		hs.cancel != offer.Payload.CancelHash {
		return ErrPayloadMismatch
	}

	recovered, err := RecoverSigner(offer.Payload, domain, offer.Signature)
	if err != nil {
		return errors.Wrap(err, "verifying offer signature")
	}
	if recovered != address {
		return &SignerMismatchError{Expected: address, Recovered: recovered}
	}

	return nil
}
