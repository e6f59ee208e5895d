package types

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tendermint/tendermint/crypto"
)

// AddressSize 验证者/账户地址的长度，与tendermint的crypto.Address保持一致
const AddressSize = crypto.AddressSize

// Address 固定长度的验证者标识，按字节序全序排列
// vote map的确定性顺序完全依赖于这里的Compare
type Address [AddressSize]byte

var ZeroAddress = Address{}

func GetAddress(key crypto.PubKey) Address {
	addr, err := AddressFromBytes(key.Address())
	if err != nil {
		panic(err)
	}
	return addr
}

// AddressFromBytes copies bz into an Address. bz must be exactly AddressSize long.
func AddressFromBytes(bz []byte) (Address, error) {
	var addr Address
	if len(bz) != AddressSize {
		return addr, fmt.Errorf("wrong address size: expected %d, got %d", AddressSize, len(bz))
	}
	copy(addr[:], bz)
	return addr, nil
}

// AddressFromHex parses a hex encoded address, with or without 0x prefix.
func AddressFromHex(s string) (Address, error) {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Address{}, err
	}
	return AddressFromBytes(bz)
}

func (addr Address) Bytes() []byte {
	return addr[:]
}

func (addr Address) Equal(other Address) bool {
	return addr == other
}

// Compare returns -1, 0 or 1 comparing the byte representation of the two addresses.
func (addr Address) Compare(other Address) int {
	return bytes.Compare(addr[:], other[:])
}

func (addr Address) Less(other Address) bool {
	return addr.Compare(other) < 0
}

func (addr Address) IsZero() bool {
	return addr == ZeroAddress
}

func (addr Address) String() string {
	return strings.ToUpper(hex.EncodeToString(addr[:]))
}

// MarshalJSON / UnmarshalJSON 让地址在json里以hex字符串出现
func (addr Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(addr.String())
}

func (addr *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := AddressFromHex(s)
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}
