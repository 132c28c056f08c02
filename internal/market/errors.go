package market

import (
	"errors"

	"github.com/atmx/predicta/internal/store"
)

// Input validation.
var (
	ErrEmptyTeamName         = errors.New("market: team name cannot be empty")
	ErrTeamNameTooLong       = errors.New("market: team name exceeds 32 bytes")
	ErrMatchIDTooLong        = errors.New("market: match id exceeds 32 bytes")
	ErrLeagueTooLong         = errors.New("market: league exceeds 32 bytes")
	ErrEndTimeMustBeInFuture = errors.New("market: end time must be in the future")
	ErrInvalidSide           = errors.New("market: side must be 1 (team A) or 2 (team B)")
	ErrInvalidAmount         = errors.New("market: amount must be positive and must not overflow the total")
)

// Authorization.
var (
	ErrRegistryAuthorityMismatch = errors.New("market: registry belongs to another authority")
	ErrRegistryAddressMismatch   = errors.New("market: registry address is not derived from the caller")
)

// Capacity and uniqueness.
var (
	ErrRegistryFull            = errors.New("market: registry is full")
	ErrMarketAlreadyRegistered = errors.New("market: market already registered")
)

// State machine.
var (
	ErrMarketClosed          = errors.New("market: market is closed for predictions")
	ErrMarketAlreadyResolved = errors.New("market: market already resolved")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrEmptyTeamName, "EmptyTeamName"},
	{ErrTeamNameTooLong, "TeamNameTooLong"},
	{ErrMatchIDTooLong, "MatchIdTooLong"},
	{ErrLeagueTooLong, "LeagueTooLong"},
	{ErrEndTimeMustBeInFuture, "EndTimeMustBeInFuture"},
	{ErrInvalidSide, "InvalidSide"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrRegistryAuthorityMismatch, "RegistryAuthorityMismatch"},
	{ErrRegistryAddressMismatch, "ConstraintSeeds"},
	{ErrRegistryFull, "RegistryFull"},
	{ErrMarketAlreadyRegistered, "MarketAlreadyRegistered"},
	{ErrMarketClosed, "MarketClosed"},
	{ErrMarketAlreadyResolved, "MarketAlreadyResolved"},
	{store.ErrNotFound, "AccountNotInitialized"},
	{store.ErrAlreadyInitialized, "AccountAlreadyInitialized"},
	{store.ErrInsufficientFunds, "InsufficientFunds"},
	{store.ErrBalanceOverflow, "BalanceOverflow"},
}

// Code returns the stable error name for err, as reported to API clients.
// Errors outside the taxonomy map to "Internal".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
