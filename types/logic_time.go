package types

// LTime 逻辑时间，这里等同于区块高度，leader按照LTime轮换
type LTime int64

func (t LTime) Int64() int64 {
	return int64(t)
}

// Mod returns t mod n as a non-negative index.
func (t LTime) Mod(n int) int {
	m := int64(t) % int64(n)
	if m < 0 {
		m += int64(n)
	}
	return int(m)
}
