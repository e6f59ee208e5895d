package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/btree"
)

const voteMapDegree = 8

// VoteEntry 一个验证者对区块的背书 (Identity, Signature)
type VoteEntry struct {
	Address   Address   `json:"address"`
	Signature Signature `json:"signature"`
}

func voteEntryLess(a, b VoteEntry) bool {
	return a.Address.Less(b.Address)
}

// VoteMap 按Address升序排列的 Address -> Signature 映射
// 执行层没有map类型，编码时会被展开成有序的(Address, Signature)序列
// 迭代顺序只取决于Address本身，和插入顺序无关
//
// NOTE: Not goroutine-safe. A VoteMap returned by VoteStore.Finalize is a
// snapshot and must be treated as read-only.
type VoteMap struct {
	tree *btree.BTreeG[VoteEntry]
}

func NewVoteMap() *VoteMap {
	return &VoteMap{tree: btree.NewG(voteMapDegree, voteEntryLess)}
}

// VoteMapFromEntries builds a VoteMap out of an arbitrarily ordered sequence.
// Two entries for the same address are rejected.
func VoteMapFromEntries(entries []VoteEntry) (*VoteMap, error) {
	vm := NewVoteMap()
	for _, e := range entries {
		if _, replaced := vm.Set(e.Address, e.Signature); replaced {
			return nil, fmt.Errorf("duplicate vote entry for %v", e.Address)
		}
	}
	return vm, nil
}

// Set inserts or replaces the signature of addr. It returns the previous
// signature, if any.
func (vm *VoteMap) Set(addr Address, sig Signature) (prev Signature, replaced bool) {
	old, replaced := vm.tree.ReplaceOrInsert(VoteEntry{Address: addr, Signature: sig})
	return old.Signature, replaced
}

func (vm *VoteMap) Get(addr Address) (Signature, bool) {
	if vm == nil {
		return nil, false
	}
	e, ok := vm.tree.Get(VoteEntry{Address: addr})
	return e.Signature, ok
}

func (vm *VoteMap) Has(addr Address) bool {
	_, ok := vm.Get(addr)
	return ok
}

// Len returns the number of votes; a nil VoteMap is empty.
func (vm *VoteMap) Len() int {
	if vm == nil {
		return 0
	}
	return vm.tree.Len()
}

// Iterate calls fn in ascending address order until fn returns true.
func (vm *VoteMap) Iterate(fn func(addr Address, sig Signature) (stop bool)) {
	if vm == nil {
		return
	}
	vm.tree.Ascend(func(e VoteEntry) bool {
		return !fn(e.Address, e.Signature)
	})
}

// Entries flattens the map into its canonical, address-ascending sequence.
func (vm *VoteMap) Entries() []VoteEntry {
	entries := make([]VoteEntry, 0, vm.Len())
	vm.Iterate(func(addr Address, sig Signature) bool {
		entries = append(entries, VoteEntry{Address: addr, Signature: sig})
		return false
	})
	return entries
}

// Addresses returns the voters in ascending order.
func (vm *VoteMap) Addresses() []Address {
	addrs := make([]Address, 0, vm.Len())
	vm.Iterate(func(addr Address, _ Signature) bool {
		addrs = append(addrs, addr)
		return false
	})
	return addrs
}

// Copy returns an independent copy; later writes to either map are not visible
// in the other.
func (vm *VoteMap) Copy() *VoteMap {
	if vm == nil {
		return NewVoteMap()
	}
	return &VoteMap{tree: vm.tree.Clone()}
}

// Equal reports whether both maps hold the same (address, signature) pairs.
func (vm *VoteMap) Equal(other *VoteMap) bool {
	if vm.Len() != other.Len() {
		return false
	}
	a, b := vm.Entries(), other.Entries()
	for i := range a {
		if a[i].Address != b[i].Address || a[i].Signature.String() != b[i].Signature.String() {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the map as its canonical entry sequence.
func (vm *VoteMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(vm.Entries())
}

func (vm *VoteMap) UnmarshalJSON(data []byte) error {
	var entries []VoteEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	parsed, err := VoteMapFromEntries(entries)
	if err != nil {
		return err
	}
	*vm = *parsed
	return nil
}

func (vm *VoteMap) String() string {
	return fmt.Sprintf("VoteMap{%d votes %v}", vm.Len(), vm.Addresses())
}
