// Package price handles decimal price and size values from the CLOB API
// without losing precision. Values are fixed-point int64 scaled by 1e6.
package price

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const Scale int64 = 1_000_000

// Price is a fixed-point price (1.0 == Scale).
type Price int64

// Size is a fixed-point quantity (1.0 == Scale).
type Size int64

var (
	_ json.Unmarshaler = (*Price)(nil)
	_ json.Unmarshaler = (*Size)(nil)
)

func (p *Price) UnmarshalJSON(data []byte) error {
	v, err := parseFixed(data)
	if err != nil {
		return err
	}
	*p = Price(v)
	return nil
}

func (s *Size) UnmarshalJSON(data []byte) error {
	v, err := parseFixed(data)
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// ParsePrice parses a decimal string like "0.53".
func ParsePrice(s string) (Price, error) {
	v, err := parseFixed([]byte(s))
	return Price(v), err
}

// ParseSize parses a decimal string like "120".
func ParseSize(s string) (Size, error) {
	v, err := parseFixed([]byte(s))
	return Size(v), err
}

func (p Price) String() string { return formatFixed(int64(p)) }
func (s Size) String() string  { return formatFixed(int64(s)) }

// parseFixed converts a quoted or raw decimal into scaled int64.
// Fractional digits beyond the scale are truncated.
func parseFixed(data []byte) (int64, error) {
	if len(data) > 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("empty decimal")
	}

	neg := false
	i := 0
	if data[0] == '-' {
		neg = true
		i++
	}
	if i == len(data) {
		return 0, fmt.Errorf("invalid decimal %q", data)
	}

	var res int64
	for i < len(data) && data[i] != '.' {
		if data[i] < '0' || data[i] > '9' {
			return 0, fmt.Errorf("invalid decimal %q", data)
		}
		res = res*10 + int64(data[i]-'0')*Scale
		i++
	}

	if i < len(data) && data[i] == '.' {
		i++
		mult := Scale
		for i < len(data) {
			if data[i] < '0' || data[i] > '9' {
				return 0, fmt.Errorf("invalid decimal %q", data)
			}
			mult /= 10
			res += int64(data[i]-'0') * mult
			i++
		}
	}

	if neg {
		res = -res
	}
	return res, nil
}

func formatFixed(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	whole := v / Scale
	frac := v % Scale
	var s string
	if frac == 0 {
		s = strconv.FormatInt(whole, 10)
	} else {
		s = strconv.FormatInt(whole, 10) + "." + strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	}
	if neg {
		return "-" + s
	}
	return s
}
