package core

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidCast is returned when a value cannot be converted to a Kind.
var ErrInvalidCast = errors.New("invalid cast")

// Kind is the value kind a data port expects or produces.
type Kind string

const (
	KindAny    Kind = "any"
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// Zero returns the zero value used when an unwired input has no default.
func (k Kind) Zero() any {
	switch k {
	case KindString:
		return ""
	case KindInt:
		return 0
	case KindFloat:
		return 0.0
	case KindBool:
		return false
	default:
		return nil
	}
}

// ParseKind maps a user-facing kind name ("Int", "float", "String", ...)
// to a Kind. Unknown names map to KindAny.
func ParseKind(name string) Kind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "str", "text":
		return KindString
	case "int", "integer":
		return KindInt
	case "float", "number", "double":
		return KindFloat
	case "bool", "boolean":
		return KindBool
	default:
		return KindAny
	}
}

// Cast converts v to the given kind. KindAny returns v unchanged.
func Cast(v any, kind Kind) (any, error) {
	switch kind {
	case KindString:
		return FormatValue(v), nil
	case KindInt:
		return toInt(v)
	case KindFloat:
		return toFloat(v)
	case KindBool:
		return toBool(v)
	default:
		return v, nil
	}
}

// FormatValue renders v the way text ports display it.
// Booleans render as "True"/"False" and nil as the empty string.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func toInt(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int:
		return x, nil
	case int32:
		return int(x), nil
	case int64:
		return int(x), nil
	case uint:
		return int(x), nil
	case uint64:
		return int(x), nil
	case float32:
		return int(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: %v to int", ErrInvalidCast, x)
		}
		return int(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int(f), nil
		}
		return nil, fmt.Errorf("%w: %q to int", ErrInvalidCast, x)
	default:
		return nil, fmt.Errorf("%w: %T to int", ErrInvalidCast, v)
	}
}

func toFloat(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return 0.0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case bool:
		if x {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q to float", ErrInvalidCast, x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T to float", ErrInvalidCast, v)
	}
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return false, nil
		}
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %q to bool", ErrInvalidCast, x)
		}
		return b, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T to bool", ErrInvalidCast, v)
		}
		return f.(float64) != 0, nil
	}
}
