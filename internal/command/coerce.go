package command

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Firmware versions disagree on field types, so projections accept the
// common spellings. A value of the wrong shape reads as absent.

func boolField(payload map[string]any, key string) *bool {
	var b bool
	switch v := payload[key].(type) {
	case bool:
		b = v
	case json.Number:
		n, err := v.Int64()
		if err != nil || (n != 0 && n != 1) {
			return nil
		}
		b = n == 1
	case float64:
		if v != 0 && v != 1 {
			return nil
		}
		b = v == 1
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil
		}
		b = parsed
	default:
		return nil
	}
	return &b
}

func intField(payload map[string]any, key string) *int {
	var f float64
	switch v := payload[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			if n < math.MinInt || n > math.MaxInt {
				return nil
			}
			i := int(n)
			return &i
		}
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return nil
	}
	// float64(math.MaxInt) rounds up to 2^63, which int cannot hold.
	if f < float64(math.MinInt) || f >= float64(math.MaxInt) {
		return nil
	}
	i := int(f)
	return &i
}

func stringField(payload map[string]any, key string) *string {
	var s string
	switch v := payload[key].(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	default:
		return nil
	}
	return &s
}
