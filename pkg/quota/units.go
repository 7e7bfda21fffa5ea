package quota

import "github.com/shopspring/decimal"

const (
	// UnitsPerMegabyte is the billing ratio between MiB and internal units.
	UnitsPerMegabyte = 100
	// UnitsPerGigabyte is the display ratio used by UnitsToGB.
	UnitsPerGigabyte = UnitsPerMegabyte * 1024
	// DefaultFreeGrantUnits is the 3 GB free grant applied at account creation.
	DefaultFreeGrantUnits Units = 3 * UnitsPerGigabyte

	bytesPerMegabyte = 1 << 20
	gigabyteDecimals = 2
)

var unitsPerGigabyteDecimal = decimal.NewFromInt(UnitsPerGigabyte)

// RequiredUnits converts a declared byte size to units, rounding up so any
// non-zero size costs at least one unit.
func RequiredUnits(size ByteSize) Units {
	if size <= 0 {
		return 0
	}
	bytes := size.Int64()
	whole := bytes / bytesPerMegabyte * UnitsPerMegabyte
	remainder := bytes % bytesPerMegabyte
	partial := (remainder*UnitsPerMegabyte + bytesPerMegabyte - 1) / bytesPerMegabyte
	return Units(whole + partial)
}

// UnitsToGB renders units as gigabytes rounded to two places. Display only.
func UnitsToGB(units Units) decimal.Decimal {
	return decimal.NewFromInt(units.Int64()).Div(unitsPerGigabyteDecimal).Round(gigabyteDecimals)
}

// FormatGB renders units as a fixed two-place gigabyte string.
func FormatGB(units Units) string {
	return UnitsToGB(units).StringFixed(gigabyteDecimals)
}

// PercentageUsed returns spent/total as a percentage rounded to two places.
func PercentageUsed(used Units, total Units) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(used.Int64()).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(total.Int64())).
		Round(gigabyteDecimals)
}
