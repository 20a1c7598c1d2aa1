// Package money implements the core's fixed-point decimal arithmetic: 26
// digits of total precision, 8 fractional digits, no floating-point
// arithmetic anywhere. Every arithmetic helper rejects mixed currencies and
// signals overflow as a hard error rather than silently truncating.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"deltran/pkg/errors"
)

// FractionalDigits is the number of digits kept to the right of the decimal
// point for every Money value in the core.
const FractionalDigits = 8

// TotalDigits is the maximum number of significant digits (integer +
// fractional) a Money value may carry before it is considered an overflow.
const TotalDigits = 26

// maxUnscaled is 10^(TotalDigits) - 1, the largest unscaled magnitude (the
// amount shifted left by FractionalDigits) that fits in TotalDigits
// significant digits.
var maxUnscaled = func() decimal.Decimal {
	ten := decimal.NewFromInt(10)
	return ten.Pow(decimal.NewFromInt(TotalDigits)).Sub(decimal.NewFromInt(1))
}()

// Currency is an ISO 4217 currency code. Currencies are never mixed in
// arithmetic; the set the system actually supports is configured per
// deployment, not hard-coded here.
type Currency string

// Money is a fixed-point decimal amount with an attached currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	Currency Currency        `json:"currency" db:"currency"`
}

// New builds a Money value, rounding to FractionalDigits and rejecting
// overflow per the precision budget in spec.md §3.
func New(amount decimal.Decimal, currency Currency) (Money, error) {
	m := Money{Amount: amount.Round(FractionalDigits), Currency: currency}
	if err := m.checkOverflow(); err != nil {
		return Money{}, err
	}
	return m, nil
}

// MustNew panics on overflow; used for compile-time-known constants in
// tests, never on data derived from external input.
func MustNew(amount decimal.Decimal, currency Currency) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns the zero amount for a currency.
func Zero(currency Currency) Money {
	return Money{Amount: decimal.Zero, Currency: currency}
}

func (m Money) checkOverflow() error {
	if m.Amount.Abs().Shift(FractionalDigits).Cmp(maxUnscaled) > 0 {
		return errors.ErrMoneyOverflow
	}
	return nil
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool {
	return m.Amount.Sign() > 0
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.Amount.Sign() == 0
}

// sameCurrency returns ErrCurrencyMismatch unless both operands share a
// currency.
func (m Money) sameCurrency(other Money) error {
	if m.Currency != other.Currency {
		return fmt.Errorf("%w: %s vs %s", errors.ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	return nil
}

// Add returns m + other, rounded to FractionalDigits. Errors on currency
// mismatch or overflow.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.Amount.Add(other.Amount), m.Currency)
}

// Sub returns m - other. Errors on currency mismatch or overflow.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return New(m.Amount.Sub(other.Amount), m.Currency)
}

// Neg returns -m.
func (m Money) Neg() Money {
	return Money{Amount: m.Amount.Neg(), Currency: m.Currency}
}

// Cmp compares two Money values of the same currency: -1, 0, or 1. Panics
// on currency mismatch since callers are expected to have already checked
// (mirrors decimal.Decimal.Cmp's own panic-free-but-meaningless behavior
// being explicitly guarded against here).
func (m Money) Cmp(other Money) int {
	if m.Currency != other.Currency {
		panic(fmt.Sprintf("money: Cmp across currencies %s/%s", m.Currency, other.Currency))
	}
	return m.Amount.Cmp(other.Amount)
}

// Min returns the smaller of two same-currency amounts.
func Min(a, b Money) Money {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.StringFixed(FractionalDigits), m.Currency)
}

// Value implements driver.Valuer so Money can be stored as a single JSONB
// column where convenient; ledger/nostro tables instead store amount and
// currency as separate columns (see internal/repository/postgres).
func (m Money) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for the JSONB storage form described above.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		*m = Money{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("money: scan source is not []byte")
	}
	return json.Unmarshal(b, m)
}
