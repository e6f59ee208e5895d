package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto/tmhash"
)

const DigestSize = tmhash.Size

// Digest 区块的hash，只做相等比较
type Digest [DigestSize]byte

var ZeroDigest = Digest{}

// DigestFromBytes copies bz into a Digest. bz must be exactly DigestSize long.
func DigestFromBytes(bz []byte) (Digest, error) {
	var d Digest
	if len(bz) != DigestSize {
		return d, fmt.Errorf("wrong digest size: expected %d, got %d", DigestSize, len(bz))
	}
	copy(d[:], bz)
	return d, nil
}

func DigestFromHex(s string) (Digest, error) {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Digest{}, err
	}
	return DigestFromBytes(bz)
}

// SumDigest hashes bz with tmhash.
func SumDigest(bz []byte) Digest {
	d, _ := DigestFromBytes(tmhash.Sum(bz))
	return d
}

func (d Digest) Bytes() []byte {
	return d[:]
}

func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

func (d Digest) String() string {
	return strings.ToUpper(hex.EncodeToString(d[:]))
}

func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := DigestFromHex(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
