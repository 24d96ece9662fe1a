package rewards

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// DustExponent is the number of fractional digits every monetary amount is
// rounded to. Rounding happens after each arithmetic step that could drift,
// identically on every node.
const DustExponent = 8

// ParseDecimal reads a state value as an exact decimal. State carries
// numbers either as JSON numbers, as numeric strings, or wrapped in a
// {"__fixed__": "..."} object. A nil value parses as zero.
func ParseDecimal(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case nil:
		return decimal.Zero, nil
	case json.Number:
		return decimal.NewFromString(value.String())
	case string:
		return decimal.NewFromString(value)
	case map[string]any:
		fixed, ok := value["__fixed__"]
		if !ok {
			return decimal.Zero, fmt.Errorf("object is not a fixed-point value")
		}
		s, ok := fixed.(string)
		if !ok {
			return decimal.Zero, fmt.Errorf("fixed-point value is not a string")
		}
		return decimal.NewFromString(s)
	default:
		return decimal.Zero, fmt.Errorf("cannot read %T as a decimal", v)
	}
}

// FixedValue wraps d in the fixed-point state representation.
func FixedValue(d decimal.Decimal) map[string]any {
	return map[string]any{"__fixed__": d.String()}
}

// RoundDust rounds to the dust exponent with banker's rounding.
func RoundDust(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(DustExponent)
}
