package perps

import "errors"

// Errors
var (
	ErrInvalidSide                   = errors.New("limit price does not satisfy side and mark price")
	ErrOppositeSidePendingExists     = errors.New("pending orders exist on the opposite side")
	ErrReduceQuantityExceedsPosition = errors.New("reduce-only quantity exceeds position quantity")
	ErrSelfFillNotAllowed            = errors.New("self fill not allowed")
	ErrInsufficientLiquidity         = errors.New("insufficient liquidity")
	ErrOrderNotCancelable            = errors.New("order already filled or not found")
	ErrTooEarly                      = errors.New("funding interval has not elapsed")
	ErrNothingToLiquidate            = errors.New("nothing to liquidate")
	ErrInsufficientMargin            = errors.New("insufficient margin")
	ErrSettlementFailed              = errors.New("settlement failed")

	ErrOrderNotFound     = errors.New("order not found")
	ErrMarketNotFound    = errors.New("market not found")
	ErrMarketExists      = errors.New("market already exists")
	ErrNoPosition        = errors.New("no open position")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrExcessiveLeverage = errors.New("excessive leverage")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
