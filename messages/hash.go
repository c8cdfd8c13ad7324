package messages

import (
	"crypto/rand"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

//canonical is the order and type stable encoding every hash is computed over.
//Struct fields keep declaration order, map keys are sorted, addresses and
//hashes are lower-case hex and big integers are plain JSON integers.
func canonical(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding canonical payload")
	}
	return b, nil
}

func keccak(data []byte) common.Hash {
	var h common.Hash
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	hasher.Sum(h[:0])
	return h
}

//Hash is the keccak256 content hash of the canonical encoding of v
func Hash(v interface{}) (common.Hash, error) {
	b, err := canonical(v)
	if err != nil {
		return common.Hash{}, err
	}
	return keccak(b), nil
}

//RandomSalt is a random 32 byte value, used as payment option id
func RandomSalt() common.Hash {
	var h common.Hash
	if _, err := rand.Read(h[:]); err != nil {
		panic(errors.Wrap(err, "reading random salt"))
	}
	return h
}
