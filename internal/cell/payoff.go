package cell

import "github.com/holiman/uint256"

// Payoff computes both payouts for one round.
//
//	CC -> (s, s)
//	DD -> (s/2, s/2)
//	CD -> (s/2, s + s/2)
//	DC -> (s + s/2, s/2)
//
// Division truncates. Payouts are not zero-sum: mutual defection pays less
// than the pot and an exploited round pays more.
func Payoff(m1, m2 Move, stake uint256.Int) (p1, p2 uint256.Int) {
	var half, bonus uint256.Int
	half.Rsh(&stake, 1)
	bonus.Add(&stake, &half)

	switch {
	case m1 == Cooperate && m2 == Cooperate:
		return stake, stake
	case m1 == Defect && m2 == Defect:
		return half, half
	case m1 == Cooperate:
		return half, bonus
	default:
		return bonus, half
	}
}
