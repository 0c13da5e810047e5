package gas

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/pkg/core/token"
)

// TransferResult is the outcome of a best-effort transfer: a success flag
// and an opaque reason instead of a propagated failure. It is what lets
// the engine keep processing a batch when one recipient is adversarial.
type TransferResult struct {
	OK     bool
	Reason []byte
}

func transferFailure(err error) TransferResult {
	return TransferResult{Reason: []byte(err.Error())}
}

// Accountant computes executor gas reimbursement and performs best-effort
// transfers that never abort the caller.
type Accountant struct {
	baseOverhead uint64
	costs        *CostTable
	bank         *token.Bank
	wrapped      *token.Wrapped
}

func NewAccountant(baseOverhead uint64, costs *CostTable, bank *token.Bank, wrapped *token.Wrapped) *Accountant {
	return &Accountant{
		baseOverhead: baseOverhead,
		costs:        costs,
		bank:         bank,
		wrapped:      wrapped,
	}
}

func (a *Accountant) Costs() *CostTable { return a.costs }

// Reimbursement computes the native value owed to the executor:
// min(gasUsed + baseOverhead, gasLimit) x gasPrice, never more than the
// escrowed prepayment.
func (a *Accountant) Reimbursement(gasUsed, gasLimit uint64, gasPrice, prepaid *big.Int) *big.Int {
	billable := gasUsed + a.baseOverhead
	if billable > gasLimit || billable < gasUsed {
		billable = gasLimit
	}

	owed := new(big.Int).Mul(new(big.Int).SetUint64(billable), gasPrice)
	if owed.Cmp(prepaid) > 0 {
		return new(big.Int).Set(prepaid)
	}
	return owed
}

// TryTransfer attempts a token transfer and converts any failure, an error
// return or a panic from a hostile implementation, into data.
func (a *Accountant) TryTransfer(tok token.Token, from, to common.Address, amount *big.Int) (result TransferResult) {
	if amount == nil || amount.Sign() == 0 {
		return TransferResult{OK: true}
	}

	defer func() {
		if r := recover(); r != nil {
			result = transferFailure(fmt.Errorf("transfer panicked: %v", r))
		}
	}()

	if err := tok.Transfer(from, to, amount); err != nil {
		return transferFailure(err)
	}
	return TransferResult{OK: true}
}

// TrySend attempts a native-asset transfer, failures as data.
func (a *Accountant) TrySend(from, to common.Address, amount *big.Int) (result TransferResult) {
	if amount == nil || amount.Sign() == 0 {
		return TransferResult{OK: true}
	}

	defer func() {
		if r := recover(); r != nil {
			result = transferFailure(fmt.Errorf("native send panicked: %v", r))
		}
	}()

	if err := a.bank.Send(from, to, amount); err != nil {
		return transferFailure(err)
	}
	return TransferResult{OK: true}
}

// UnwrapAndSend opportunistically unwraps the wrapped-native token held by
// the holder and sends native value to the recipient. If unwrapping or the
// native send fails, the wrapped form is delivered instead; the fallback
// flag reports which path ran. Only a failure of both paths returns a
// failed result.
func (a *Accountant) UnwrapAndSend(holder, to common.Address, amount *big.Int) (result TransferResult, fellBack bool) {
	if amount == nil || amount.Sign() == 0 {
		return TransferResult{OK: true}, false
	}

	if err := a.wrapped.Unwrap(holder, to, amount); err == nil {
		return TransferResult{OK: true}, false
	}

	return a.TryTransfer(a.wrapped, holder, to, amount), true
}
