// File: db/pgwire/params.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pgwire

import (
	"fmt"
	"strconv"
	"time"
)

// encodeParams renders parameters in text format. nil is NULL.
func encodeParams(params []any) ([][]byte, error) {
	out := make([][]byte, len(params))
	for i, p := range params {
		v, err := encodeParam(p)
		if err != nil {
			return nil, fmt.Errorf("pgwire: parameter $%d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func encodeParam(p any) ([]byte, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		if v == nil {
			return nil, nil
		}
		return v, nil
	case bool:
		if v {
			return []byte("t"), nil
		}
		return []byte("f"), nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	case time.Time:
		return []byte(v.Format(time.RFC3339Nano)), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", p)
	}
}
