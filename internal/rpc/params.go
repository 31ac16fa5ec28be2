package rpc

import (
	"encoding/json"
)

// Params are the positional arguments of a request.
type Params []json.RawMessage

// Expect returns a wrong-parameter-count fault unless len(p) is between min and max.
func (p Params) Expect(min, max int) error {
	if len(p) < min || len(p) > max {
		return WrongParamCount()
	}
	return nil
}

// Decode unmarshals parameter i into v.
func (p Params) Decode(i int, v any) error {
	if i >= len(p) {
		return WrongParamCount()
	}
	if err := json.Unmarshal(p[i], v); err != nil {
		return NewFault(FaultWrongParams, "Parameter %d has the wrong type.", i+1)
	}
	return nil
}

// String returns parameter i as a string.
func (p Params) String(i int) (string, error) {
	var s string
	err := p.Decode(i, &s)
	return s, err
}

// Int returns parameter i as an integer.
func (p Params) Int(i int) (int64, error) {
	var n int64
	err := p.Decode(i, &n)
	return n, err
}

// EncodeParams marshals positional arguments for a request.
func EncodeParams(args ...any) (Params, error) {
	params := make(Params, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		params = append(params, raw)
	}
	return params, nil
}
