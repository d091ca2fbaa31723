package core

// AttrValue is a single operation attribute. Exactly one field is set,
// mirroring a tagged union. Nil fields are "absent".
type AttrValue struct {
	S      *string    `json:"s,omitempty"`
	I      *int64     `json:"i,omitempty"`
	F      *float32   `json:"f,omitempty"`
	B      *bool      `json:"b,omitempty"`
	Shape  []int64    `json:"shape,omitempty"`
	Tensor *Tensor    `json:"tensor,omitempty"`
	Func   *NameAttrs `json:"func,omitempty"`
}

// NameAttrs names a function together with attribute bindings, used for
// function-valued attributes.
type NameAttrs struct {
	Name  string               `json:"name"`
	Attrs map[string]AttrValue `json:"attrs,omitempty"`
}

// StringAttr creates a string attribute value.
func StringAttr(s string) AttrValue { return AttrValue{S: &s} }

// IntAttr creates an integer attribute value.
func IntAttr(i int64) AttrValue { return AttrValue{I: &i} }

// FloatAttr creates a float attribute value.
func FloatAttr(f float32) AttrValue { return AttrValue{F: &f} }

// BoolAttr creates a boolean attribute value.
func BoolAttr(b bool) AttrValue { return AttrValue{B: &b} }

// ShapeAttr creates a shape attribute value.
func ShapeAttr(dims ...int64) AttrValue { return AttrValue{Shape: dims} }

// TensorAttr creates a tensor-valued attribute, as used by Const.
func TensorAttr(t *Tensor) AttrValue { return AttrValue{Tensor: t} }

// FuncAttr creates a function-valued attribute.
func FuncAttr(name string) AttrValue { return AttrValue{Func: &NameAttrs{Name: name}} }

// GetString returns the string value, or def when absent.
func (a AttrValue) GetString(def string) string {
	if a.S != nil {
		return *a.S
	}
	return def
}

// GetInt returns the integer value, or def when absent.
func (a AttrValue) GetInt(def int64) int64 {
	if a.I != nil {
		return *a.I
	}
	return def
}

// GetBool returns the boolean value, or def when absent.
func (a AttrValue) GetBool(def bool) bool {
	if a.B != nil {
		return *a.B
	}
	return def
}
