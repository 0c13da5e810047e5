package oracle

import (
	"math/big"

	"github.com/holiman/uint256"
)

// signedMax is the largest value representable in the signed 256-bit domain
// the trade math operates in.
var signedMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

func fitsSigned256(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(signedMax) <= 0
}

// ceilDiv divides rounding toward positive infinity. Combined with the
// trade formulas below this always rounds in the pool's favor: traders
// pay the ceiling and receive the floor. Amounts owed out of the pool are
// never rounded up.
func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// TradeX returns the Y reserve consistent with moving the X reserve from
// xBefore to xAfter at exactly the given average price, not the pool's
// instantaneous constant-product price.
//
// All intermediate products are computed at full width before dividing;
// rounding happens once, at the end.
func TradeX(xAfter, xBefore, yBefore *big.Int, price *uint256.Int) (*big.Int, error) {
	if price == nil || price.IsZero() {
		return nil, ErrZeroPrice
	}
	if !fitsSigned256(xAfter) || !fitsSigned256(xBefore) || !fitsSigned256(yBefore) {
		return nil, ErrOverflow
	}

	// delta > 0 means the trader removes X and owes Y; delta < 0 means the
	// trader adds X and is owed Y.
	delta := new(big.Int).Sub(xBefore, xAfter)
	yDelta := ceilDiv(new(big.Int).Mul(delta, price.ToBig()), Precision)

	yAfter := new(big.Int).Add(yBefore, yDelta)
	if yAfter.Sign() < 0 {
		return nil, ErrInsufficientReserve
	}
	if !fitsSigned256(yAfter) {
		return nil, ErrOverflow
	}
	return yAfter, nil
}

// TradeY is the symmetric inverse of TradeX: the X reserve consistent with
// moving the Y reserve from yBefore to yAfter at the average price.
func TradeY(yAfter, yBefore, xBefore *big.Int, price *uint256.Int) (*big.Int, error) {
	if price == nil || price.IsZero() {
		return nil, ErrZeroPrice
	}
	if !fitsSigned256(yAfter) || !fitsSigned256(yBefore) || !fitsSigned256(xBefore) {
		return nil, ErrOverflow
	}

	delta := new(big.Int).Sub(yBefore, yAfter)
	xDelta := ceilDiv(new(big.Int).Mul(delta, Precision), price.ToBig())

	xAfter := new(big.Int).Add(xBefore, xDelta)
	if xAfter.Sign() < 0 {
		return nil, ErrInsufficientReserve
	}
	if !fitsSigned256(xAfter) {
		return nil, ErrOverflow
	}
	return xAfter, nil
}
