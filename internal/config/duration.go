package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a non-negative duration that decodes from either a Go
// duration string ("500ms", "10s", "1m") or a plain number of seconds.
// An empty string decodes to zero, which every consumer treats as "use the
// default".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		if parsed < 0 {
			return fmt.Errorf("invalid duration %q: must be >= 0", x)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		if x < 0 {
			return fmt.Errorf("invalid duration %v: must be >= 0", x)
		}
		*d = Duration(time.Duration(x * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration: expected string or number, got %T", v)
	}
}
