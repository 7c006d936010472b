package chainhelper

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf(&big.Int{})

// ConvertArguments maps JSON-decoded positional args and kwargs onto the Go
// values abi.Pack expects for inputs. Positional args fill inputs in order;
// remaining inputs are looked up in kwargs by name.
func ConvertArguments(inputs abi.Arguments, args []any, kwargs map[string]any) ([]any, error) {
	if len(args) > len(inputs) {
		return nil, fmt.Errorf("expected at most %d args, got %d", len(inputs), len(args))
	}
	used := 0
	values := make([]any, 0, len(inputs))
	for i, input := range inputs {
		var raw any
		switch {
		case i < len(args):
			raw = args[i]
		default:
			v, ok := kwargs[input.Name]
			if !ok {
				return nil, fmt.Errorf("missing argument %q", input.Name)
			}
			raw = v
			used++
		}
		value, err := ConvertValue(input.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, input.Name, err)
		}
		values = append(values, value)
	}
	if used != len(kwargs) {
		return nil, fmt.Errorf("unexpected keyword arguments")
	}
	return values, nil
}

// ConvertValue converts a single JSON value into the Go representation of t.
func ConvertValue(t abi.Type, raw any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := raw.(string)
		if !ok || !gcommon.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %v", raw)
		}
		return gcommon.HexToAddress(s), nil
	case abi.BoolTy:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("invalid bool %v", raw)
		}
		return b, nil
	case abi.StringTy:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("invalid string %v", raw)
		}
		return s, nil
	case abi.IntTy, abi.UintTy:
		n, err := toBigInt(raw)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, n)
	case abi.BytesTy:
		return toBytes(raw)
	case abi.FixedBytesTy, abi.HashTy:
		b, err := toBytes(raw)
		if err != nil {
			return nil, err
		}
		target := t.GetType()
		if len(b) > target.Len() {
			return nil, fmt.Errorf("%d bytes do not fit bytes%d", len(b), target.Len())
		}
		arr := reflect.New(target).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("expected list, got %T", raw)
		}
		target := t.GetType()
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return nil, fmt.Errorf("expected %d items, got %d", t.Size, len(items))
			}
			out = reflect.New(target).Elem()
		} else {
			out = reflect.MakeSlice(target, len(items), len(items))
		}
		for i, item := range items {
			v, err := ConvertValue(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(v))
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("unsupported abi type %s", t.String())
}

func toBigInt(raw any) (*big.Int, error) {
	var s string
	switch v := raw.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = v
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return nil, fmt.Errorf("%v is not an exact integer", v)
		}
		return big.NewInt(int64(v)), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	default:
		return nil, fmt.Errorf("invalid integer %v", raw)
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func fitInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s out of range for uint%d", n, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		lowest := new(big.Int).Neg(limit)
		if n.Cmp(lowest) < 0 || n.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("%s out of range for int%d", n, t.Size)
		}
	}

	target := t.GetType()
	if target == bigIntType {
		return n, nil
	}
	v := reflect.New(target).Elem()
	if t.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		v.SetInt(n.Int64())
	}
	return v.Interface(), nil
}

func toBytes(raw any) ([]byte, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("expected hex string, got %T", raw)
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
