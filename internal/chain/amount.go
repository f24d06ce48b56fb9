package chain

import (
	"math/big"
	"strings"
)

// DefaultDecimals is used when a token's decimals cannot be read, and for native assets
const DefaultDecimals uint8 = 18

// FormatUnits renders a base-unit amount as a decimal string without trailing zeros
func FormatUnits(v *big.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}

	abs := new(big.Int).Abs(v)
	base := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(abs, base, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", int(decimals)-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	if v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// ShortAddr returns a shortened address for display
func ShortAddr(addr string, n int) string {
	if addr == "" {
		return "unknown"
	}
	if len(addr) < n*2+3 {
		return addr
	}
	return addr[:n] + "..." + addr[len(addr)-n:]
}
