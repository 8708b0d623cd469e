package hclspec

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
)

// ctyToValues converts a literal HCL values list into native Go scan values.
// Tuples are accepted so entries may mix types.
func ctyToValues(v cty.Value) ([]any, error) {
	if !v.CanIterateElements() {
		return nil, fmt.Errorf("values must be a list, got %s", v.Type().FriendlyName())
	}
	var out []any
	for it := v.ElementIterator(); it.Next(); {
		_, element := it.Element()
		converted, err := ctyToGo(element)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

// ctyToGo converts a single scalar cty value. Whole numbers come back as int
// so that directory names and stamped configs render without a decimal point.
func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, fmt.Errorf("null value in values list")
	}
	switch v.Type() {
	case cty.String:
		return v.AsString(), nil
	case cty.Bool:
		return v.True(), nil
	case cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type().FriendlyName())
	}
}
