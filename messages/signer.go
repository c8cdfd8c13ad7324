package messages

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/entities"
)

const offerPrimaryType = "Offer"

var offerTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	offerPrimaryType: {
		{Name: "id", Type: "bytes32"},
		{Name: "expire", Type: "uint256"},
		{Name: "supplierId", Type: "bytes32"},
		{Name: "chainId", Type: "uint256"},
		{Name: "requestHash", Type: "bytes32"},
		{Name: "optionsHash", Type: "bytes32"},
		{Name: "paymentHash", Type: "bytes32"},
		{Name: "cancelHash", Type: "bytes32"},
		{Name: "transferable", Type: "bool"},
		{Name: "checkIn", Type: "uint256"},
		{Name: "checkOut", Type: "uint256"},
	},
}

//Signer produces EIP-712 signatures for an account
type Signer interface {
	Address() common.Address
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}

//KeySigner signs with a raw secp256k1 private key
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

//KeySignerFromHex loads a hex encoded private key, with or without 0x prefix
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parsing signer private key")
	}
	return NewKeySigner(key), nil
}

//GenerateKeySigner creates a signer with a fresh random key
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating signer private key")
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, errors.Wrap(err, "hashing typed data")
	}

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "signing typed data")
	}
	sig[crypto.RecoveryIDOffset] += 27

	return sig, nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

//TypedData is the EIP-712 representation of an offer payload under domain
func TypedData(payload entities.OfferPayload, domain entities.Domain) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       offerTypes,
		PrimaryType: offerPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(bigOrZero(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"id":           payload.ID.Hex(),
			"expire":       big.NewInt(payload.Expire),
			"supplierId":   payload.SupplierID.Hex(),
			"chainId":      bigOrZero(payload.ChainID),
			"requestHash":  payload.RequestHash.Hex(),
			"optionsHash":  payload.OptionsHash.Hex(),
			"paymentHash":  payload.PaymentHash.Hex(),
			"cancelHash":   payload.CancelHash.Hex(),
			"transferable": payload.Transferable,
			"checkIn":      big.NewInt(payload.CheckIn),
			"checkOut":     big.NewInt(payload.CheckOut),
		},
	}
}

//RecoverSigner returns the address that produced sig over payload under domain
func RecoverSigner(payload entities.OfferPayload, domain entities.Domain, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("invalid signature length: %d", len(sig))
	}

	hash, _, err := apitypes.TypedDataAndHash(TypedData(payload, domain))
	if err != nil {
		return common.Address{}, errors.Wrap(err, "hashing typed data")
	}

	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	v := normalized[crypto.RecoveryIDOffset]
	if v == 27 || v == 28 {
		v -= 27
	}
	if v != 0 && v != 1 {
		return common.Address{}, errors.Errorf("invalid signature v: %d", sig[crypto.RecoveryIDOffset])
	}
	normalized[crypto.RecoveryIDOffset] = v

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recovering signer public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
