package reduce

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// comparable projects a value onto something ordered min/max can
// compare: timestamps become epoch milliseconds, numbers and strings
// compare natively, anything else projects to nil (skipped, never
// replaces a previously seen value).
func comparable(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case time.Time:
		return float64(t.UnixMilli()), true
	case primitive.DateTime:
		return float64(int64(t)), true
	case string:
		return t, true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return nil, false
	}
}

// lessComparable orders two comparable projections of the same
// underlying kind (both string or both float64).
func lessComparable(a, b interface{}) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	default:
		return false
	}
}
