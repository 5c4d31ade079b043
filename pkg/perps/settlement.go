package perps

import (
	"fmt"
	"math/big"
	"sync"
)

// Settlement is the custody boundary. The engine calls it after
// validating and computing an action's new state and before committing
// that state, so a failure rolls the whole action back.
type Settlement interface {
	// DepositMargin moves collateral from the trader's custody balance
	// into the engine.
	DepositMargin(trader string, amount *big.Int) error
	// Payout returns funds to the trader's custody balance.
	Payout(trader string, amount *big.Int) error
	// TransferPenalty routes a liquidation penalty to the insurance fund.
	TransferPenalty(amount *big.Int) error
}

// Vault is an in-memory Settlement with per-trader collateral balances
// and an insurance fund.
type Vault struct {
	mu        sync.Mutex
	balances  map[string]*big.Int
	insurance *big.Int
}

// NewVault creates an empty vault
func NewVault() *Vault {
	return &Vault{
		balances:  make(map[string]*big.Int),
		insurance: big.NewInt(0),
	}
}

// Fund credits external collateral to a trader
func (v *Vault) Fund(trader string, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(trader, amount)
}

func (v *Vault) credit(trader string, amount *big.Int) {
	bal, ok := v.balances[trader]
	if !ok {
		bal = big.NewInt(0)
		v.balances[trader] = bal
	}
	bal.Add(bal, amount)
}

// Balance returns a trader's free collateral
func (v *Vault) Balance(trader string) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bal, ok := v.balances[trader]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// InsuranceFund returns the accumulated penalty balance
func (v *Vault) InsuranceFund() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.insurance)
}

// DepositMargin implements Settlement
func (v *Vault) DepositMargin(trader string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	bal, ok := v.balances[trader]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s collateral below %s", ErrInsufficientFunds, trader, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

// Payout implements Settlement
func (v *Vault) Payout(trader string, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(trader, amount)
	return nil
}

// TransferPenalty implements Settlement
func (v *Vault) TransferPenalty(amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.insurance.Add(v.insurance, amount)
	return nil
}
