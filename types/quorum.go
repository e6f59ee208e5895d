package types

import "fmt"

// QuorumRule 达成quorum需要的投票权重比例，需要严格大于 Numerator/Denominator
type QuorumRule struct {
	Numerator   int64 `json:"numerator" mapstructure:"numerator"`
	Denominator int64 `json:"denominator" mapstructure:"denominator"`
}

// DefaultQuorumRule BFT的2t+1 - 严格大于2/3的投票权重
func DefaultQuorumRule() QuorumRule {
	return QuorumRule{Numerator: 2, Denominator: 3}
}

func (q QuorumRule) ValidateBasic() error {
	if q.Denominator <= 0 {
		return fmt.Errorf("quorum denominator must be positive, got %d", q.Denominator)
	}
	if q.Numerator < 0 || q.Numerator >= q.Denominator {
		return fmt.Errorf("quorum fraction must be in [0, 1), got %d/%d", q.Numerator, q.Denominator)
	}
	return nil
}

// Threshold returns the voting power that is minimally required for a quorum,
// i.e. the smallest t such that t > totalPower * Numerator / Denominator.
func (q QuorumRule) Threshold(totalPower int64) int64 {
	// 拆开计算避免totalPower * Numerator溢出
	whole := (totalPower / q.Denominator) * q.Numerator
	rem := (totalPower % q.Denominator) * q.Numerator
	return whole + rem/q.Denominator + 1
}

// QuorumThreshold returns the power needed for a quorum of this set under rule.
func (vals *ValidatorSet) QuorumThreshold(rule QuorumRule) int64 {
	return rule.Threshold(vals.TotalVotingPower())
}
