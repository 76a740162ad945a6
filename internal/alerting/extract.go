package alerting

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/vesaa/talonops/internal/models"
)

// Extract walks path through a decoded JSON payload and returns the numeric
// value it lands on. Steps are separated by dots; each step is an object
// key, an array index, or "length" on an array or string (strings count
// characters, not bytes). ok is false when the payload or path is empty,
// any step is missing or out of range, or the final value is not a number.
func Extract(payload any, path string) (value float64, ok bool) {
	if payload == nil || path == "" {
		return 0, false
	}

	cur := payload
	for _, step := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, exists := node[step]
			if !exists {
				return 0, false
			}
			cur = next
		case []any:
			if step == "length" {
				cur = float64(len(node))
				continue
			}
			idx, err := strconv.Atoi(step)
			if err != nil || idx < 0 || idx >= len(node) {
				return 0, false
			}
			cur = node[idx]
		case string:
			if step != "length" {
				return 0, false
			}
			cur = float64(utf8.RuneCountInString(node))
		default:
			return 0, false
		}
		if cur == nil {
			return 0, false
		}
	}
	return toNumber(cur)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Compare applies op to value and threshold. Unknown operators never breach.
func Compare(value float64, op models.Operator, threshold float64) bool {
	switch op {
	case models.OperatorGT:
		return value > threshold
	case models.OperatorLT:
		return value < threshold
	case models.OperatorGTE:
		return value >= threshold
	case models.OperatorLTE:
		return value <= threshold
	case models.OperatorEQ:
		return value == threshold
	default:
		return false
	}
}

// ValidOperator reports whether op is understood by Compare.
func ValidOperator(op models.Operator) bool {
	switch op {
	case models.OperatorGT, models.OperatorLT, models.OperatorGTE, models.OperatorLTE, models.OperatorEQ:
		return true
	default:
		return false
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
