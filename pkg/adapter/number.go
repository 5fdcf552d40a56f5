package adapter

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// Number is a JSON numeric field that older plugin builds send as either a
// number or a numeric string. Null and absent both leave Valid false.
type Number struct {
	Value float64
	Valid bool
}

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = Number{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.WithStack(err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = Number{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return errors.Errorf("%q is not a number", s)
		}
		*n = Number{Value: v, Valid: true}
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return errors.Errorf("%s is not a number", string(data))
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Int truncates the value toward zero.
func (n Number) Int() int {
	return int(n.Value)
}

// Num is a convenience constructor used when building payloads in code.
func Num(v float64) Number {
	return Number{Value: v, Valid: true}
}
