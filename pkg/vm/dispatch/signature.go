package dispatch

import (
	"bytes"
	"reflect"

	"github.com/filecoin-project/go-state-types/abi"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/filecoin-project/venus-core/pkg/encoding"
)

// MethodSignature wraps a specific method and allows you to encode/decodes input/output bytes into concrete types.
type MethodSignature interface {
	ArgNil() reflect.Value
	ArgType() reflect.Type
	ArgInterface(argBytes []byte) (interface{}, error)
}

type methodSignature struct {
	method reflect.Value
}

var _ MethodSignature = (*methodSignature)(nil)

func (ms *methodSignature) ArgType() reflect.Type {
	return ms.method.Type().In(1)
}

func (ms *methodSignature) ArgNil() reflect.Value {
	return reflect.New(ms.ArgType()).Elem()
}

// ArgInterface decodes raw into a fresh value of the method's argument type.
func (ms *methodSignature) ArgInterface(argBytes []byte) (interface{}, error) {
	t := ms.ArgType()
	var v reflect.Value
	if t.Kind() == reflect.Ptr {
		v = reflect.New(t.Elem())
	} else {
		v = reflect.New(t)
	}
	obj := v.Interface()

	if _, ok := obj.(*abi.EmptyValue); ok && len(argBytes) == 0 {
		return obj, nil
	}

	if u, ok := obj.(cbg.CBORUnmarshaler); ok {
		if err := u.UnmarshalCBOR(bytes.NewReader(argBytes)); err != nil {
			return nil, err
		}
	} else if err := encoding.Decode(argBytes, obj); err != nil {
		return nil, err
	}

	if t.Kind() == reflect.Ptr {
		return obj, nil
	}
	return v.Elem().Interface(), nil
}
