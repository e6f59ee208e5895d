// Package encoding produces the canonical byte form of a BlockMetadata that is
// handed to the execution layer.
//
// Layout (all integers little-endian, fixed width):
//
//	id         32 bytes
//	timestamp  u64
//	vote map   u32 count, then count x (address 20 bytes | u32 sig length | sig)
//	proposer   20 bytes
//
// Vote entries are written in ascending address order. Changing any of the
// above is a consensus-breaking change.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"treegraph_bft/types"
)

var (
	ErrSerializationFailure = errors.New("metadata serialization failed")
	ErrMalformedVoteMap     = errors.New("malformed vote map encoding")
	ErrMalformedMetadata    = errors.New("malformed metadata encoding")
)

const (
	timestampSize = 8
	countSize     = 4
	sigLenSize    = 4

	voteEntrySize = types.AddressSize + sigLenSize + types.SignatureSize
)

// EncodedMetadata 执行层系统交易的四个参数
type EncodedMetadata struct {
	ID            []byte        `json:"id"`
	TimestampUsec uint64        `json:"timestamp_usec"`
	VoteMap       []byte        `json:"vote_map"`
	Proposer      types.Address `json:"proposer"`
}

// Bytes returns the full canonical form id | timestamp | vote map | proposer.
func (em *EncodedMetadata) Bytes() []byte {
	bz := make([]byte, 0, len(em.ID)+timestampSize+len(em.VoteMap)+types.AddressSize)
	bz = append(bz, em.ID...)
	bz = appendUint64(bz, em.TimestampUsec)
	bz = append(bz, em.VoteMap...)
	return append(bz, em.Proposer[:]...)
}

func (em *EncodedMetadata) String() string {
	return fmt.Sprintf("EncodedMetadata{%X ts:%d votemap:%dB proposer:%v}",
		em.ID, em.TimestampUsec, len(em.VoteMap), em.Proposer)
}

// EncodeMetadata flattens md into the execution layer arguments.
// It fails when a vote signature is not SignatureSize bytes long, since
// DecodeVoteMap would reject it, or when the encoder runs out of memory.
func EncodeMetadata(md *types.BlockMetadata) (enc *EncodedMetadata, err error) {
	if md == nil {
		return nil, errors.New("nil metadata")
	}
	voteMap, err := encodeVotes(md)
	if err != nil {
		return nil, err
	}
	id := md.ID()
	return &EncodedMetadata{
		ID:            append([]byte(nil), id[:]...),
		TimestampUsec: md.TimestampUsec(),
		VoteMap:       voteMap,
		Proposer:      md.Proposer(),
	}, nil
}

func encodeVotes(md *types.BlockMetadata) (bz []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if r == bytes.ErrTooLarge {
				bz, err = nil, ErrSerializationFailure
				return
			}
			panic(r)
		}
	}()

	count := md.VoteCount()
	if uint64(count) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d votes do not fit the count prefix", ErrSerializationFailure, count)
	}

	var invalid error
	md.IterateVotes(func(addr types.Address, sig types.Signature) bool {
		if err := types.ValidateSignature(sig); err != nil {
			invalid = fmt.Errorf("%w: vote of %v: %v", ErrSerializationFailure, addr, err)
			return true
		}
		return false
	})
	if invalid != nil {
		return nil, invalid
	}

	var buf bytes.Buffer
	buf.Grow(countSize + count*voteEntrySize)

	var scratch [4]byte
	binary.LittleEndian.PutUint32(scratch[:], uint32(count))
	buf.Write(scratch[:])
	md.IterateVotes(func(addr types.Address, sig types.Signature) bool {
		buf.Write(addr[:])
		binary.LittleEndian.PutUint32(scratch[:], uint32(len(sig)))
		buf.Write(scratch[:])
		buf.Write(sig)
		return false
	})
	return buf.Bytes(), nil
}

// DecodeVoteMap parses an encoded vote map. Entries must be strictly ascending
// and the input must not carry trailing bytes.
func DecodeVoteMap(bz []byte) (*types.VoteMap, error) {
	votes, rest, err := readVoteMap(bz)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedVoteMap, len(rest))
	}
	return votes, nil
}

func readVoteMap(bz []byte) (*types.VoteMap, []byte, error) {
	if len(bz) < countSize {
		return nil, nil, fmt.Errorf("%w: missing count", ErrMalformedVoteMap)
	}
	count := binary.LittleEndian.Uint32(bz)
	bz = bz[countSize:]

	// 每个entry至少 address + 长度前缀，先用它挡住伪造的巨大count
	if uint64(count)*uint64(types.AddressSize+sigLenSize) > uint64(len(bz)) {
		return nil, nil, fmt.Errorf("%w: count %d exceeds input", ErrMalformedVoteMap, count)
	}

	votes := types.NewVoteMap()
	var last types.Address
	for i := uint32(0); i < count; i++ {
		if len(bz) < types.AddressSize+sigLenSize {
			return nil, nil, fmt.Errorf("%w: truncated entry #%d", ErrMalformedVoteMap, i)
		}
		addr, _ := types.AddressFromBytes(bz[:types.AddressSize])
		sigLen := binary.LittleEndian.Uint32(bz[types.AddressSize:])
		bz = bz[types.AddressSize+sigLenSize:]

		if i > 0 && !last.Less(addr) {
			return nil, nil, fmt.Errorf("%w: entry #%d is not in ascending order", ErrMalformedVoteMap, i)
		}
		if sigLen != types.SignatureSize || uint64(len(bz)) < uint64(sigLen) {
			return nil, nil, fmt.Errorf("%w: bad signature length %d in entry #%d", ErrMalformedVoteMap, sigLen, i)
		}
		votes.Set(addr, append(types.Signature(nil), bz[:sigLen]...))
		bz = bz[sigLen:]
		last = addr
	}
	return votes, bz, nil
}

// DecodeMetadata parses the output of EncodedMetadata.Bytes.
func DecodeMetadata(bz []byte) (*types.BlockMetadata, error) {
	if len(bz) < types.DigestSize+timestampSize {
		return nil, fmt.Errorf("%w: too short", ErrMalformedMetadata)
	}
	id, _ := types.DigestFromBytes(bz[:types.DigestSize])
	ts := binary.LittleEndian.Uint64(bz[types.DigestSize:])
	bz = bz[types.DigestSize+timestampSize:]

	votes, rest, err := readVoteMap(bz)
	if err != nil {
		return nil, err
	}
	if len(rest) != types.AddressSize {
		return nil, fmt.Errorf("%w: expected %d proposer bytes, got %d", ErrMalformedMetadata, types.AddressSize, len(rest))
	}
	proposer, _ := types.AddressFromBytes(rest)
	return types.NewBlockMetadata(id, ts, votes, proposer), nil
}

func appendUint64(bz []byte, v uint64) []byte {
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], v)
	return append(bz, scratch[:]...)
}
