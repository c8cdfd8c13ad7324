package registry

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrExpired         = errors.New("message expired")
	ErrNonceWindow     = errors.New("nonce outside of the accepted window")
	ErrIDMismatch      = errors.New("message id does not match its content")
	ErrTopicMismatch   = errors.New("message topic does not match the subscription")
	ErrNotRequest      = errors.New("message is not a request")
	ErrDealFinal       = errors.New("deal is no longer mutable")
	ErrNotTransferable = errors.New("offer is not transferable")
	ErrDealTracked     = errors.New("deal already tracked")
)

//NotFoundError names the record a lookup failed for
type NotFoundError struct {
	Kind string
	ID   common.Hash
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s #%s not found", e.Kind, e.ID.Hex())
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
