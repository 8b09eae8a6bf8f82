package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Params is the opaque set of named arguments bound to a task at
// construction. Values usually come straight out of a JSON decode, so numbers
// arrive as float64.
type Params map[string]any

// Has reports whether key is present, whatever its value.
func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value for key formatted as a string.
func (p Params) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Seconds reads key as a number of seconds. Strings may hold either a plain
// number ("30", "0.5") or a Go duration ("1m30s").
func (p Params) Seconds(key string) (time.Duration, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}

	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case float32:
		secs = float64(n)
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, true, fmt.Errorf("%w: %s=%v", ErrBadParam, key, v)
		}
		secs = f
	case time.Duration:
		return n, true, nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			secs = f
			break
		}
		d, err := time.ParseDuration(strings.TrimSpace(n))
		if err != nil {
			return 0, true, fmt.Errorf("%w: %s=%q", ErrBadParam, key, n)
		}
		return d, true, nil
	default:
		return 0, true, fmt.Errorf("%w: %s has type %T", ErrBadParam, key, v)
	}
	// time.Duration 溢位會變成最小值，任務立即到期
	if math.IsNaN(secs) || math.IsInf(secs, 0) || math.Abs(secs) > maxSeconds {
		return 0, true, fmt.Errorf("%w: %s=%v is out of range", ErrBadParam, key, v)
	}
	return time.Duration(secs * float64(time.Second)), true, nil
}

// maxSeconds is the largest magnitude that still fits in a time.Duration.
const maxSeconds = math.MaxInt64 / float64(time.Second)

// Strings reads key as a list of strings. A single string is split on
// whitespace, matching how recipient lists travel on the command line.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
