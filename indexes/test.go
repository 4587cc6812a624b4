package indexes

import (
	"errors"
	"fmt"

	"github.com/drpcorg/factory/factory_errors"
)

// Test combines per-selector outcomes of has-style queries.
type Test string

const (
	And Test = "and"
	Or  Test = "or"
	Xor Test = "xor"
)

// Evaluate checks n selectors with probe. And stops at the first miss,
// Or at the first hit; Xor needs every outcome.
func (t Test) Evaluate(n int, probe func(i int) (bool, error)) (bool, error) {
	hits := 0
	for i := 0; i < n; i++ {
		ok, err := probe(i)
		if err != nil {
			return false, err
		}
		switch t {
		case And:
			if !ok {
				return false, nil
			}
		case Or:
			if ok {
				return true, nil
			}
		case Xor:
			if ok {
				hits++
			}
		default:
			return false, errors.Join(factory_errors.ErrValidation, fmt.Errorf("unknown test %q", t))
		}
	}
	switch t {
	case And:
		return true, nil
	case Xor:
		return hits == 1, nil
	case Or:
		return false, nil
	}
	return false, errors.Join(factory_errors.ErrValidation, fmt.Errorf("unknown test %q", t))
}
