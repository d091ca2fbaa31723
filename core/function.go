package core

import "fmt"

// ArgDef declares one input or output argument of a function signature.
type ArgDef struct {
	Name  string   `json:"name"`
	Type  DataType `json:"type"`
	Shape []int64  `json:"shape,omitempty"`
}

// NodeDef is one operation inside a function body. Inputs name either a
// signature argument ("a") or another node output ("matmul:0", with ":0"
// implied when omitted).
type NodeDef struct {
	Name   string               `json:"name"`
	Op     string               `json:"op"`
	Inputs []string             `json:"inputs,omitempty"`
	Device string               `json:"device,omitempty"`
	Attrs  map[string]AttrValue `json:"attrs,omitempty"`
}

// FunctionDef is a named dataflow graph callable as an operation.
// Ret maps each output argument name to the node output that produces it.
type FunctionDef struct {
	Name       string            `json:"name"`
	InputArgs  []ArgDef          `json:"input_args,omitempty"`
	OutputArgs []ArgDef          `json:"output_args,omitempty"`
	Nodes      []*NodeDef        `json:"nodes,omitempty"`
	Ret        map[string]string `json:"ret,omitempty"`
}

// Validate checks structural consistency of the definition: unique node
// names, ret entries covering every output arg and inputs referring to
// known names.
func (f *FunctionDef) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("function has no name")
	}
	names := make(map[string]bool, len(f.InputArgs)+len(f.Nodes))
	for _, a := range f.InputArgs {
		if a.Name == "" {
			return fmt.Errorf("function %s: input arg with empty name", f.Name)
		}
		if names[a.Name] {
			return fmt.Errorf("function %s: duplicate name %q", f.Name, a.Name)
		}
		names[a.Name] = true
	}
	for _, n := range f.Nodes {
		if n.Name == "" {
			return fmt.Errorf("function %s: node with empty name", f.Name)
		}
		if names[n.Name] {
			return fmt.Errorf("function %s: duplicate name %q", f.Name, n.Name)
		}
		names[n.Name] = true
	}
	for _, n := range f.Nodes {
		for _, in := range n.Inputs {
			base, _ := SplitNodeOutput(in)
			if !names[base] {
				return fmt.Errorf("function %s: node %s reads unknown input %q", f.Name, n.Name, in)
			}
		}
	}
	if len(f.Ret) != len(f.OutputArgs) {
		return fmt.Errorf("function %s: %d ret entries for %d output args", f.Name, len(f.Ret), len(f.OutputArgs))
	}
	for _, out := range f.OutputArgs {
		src, ok := f.Ret[out.Name]
		if !ok {
			return fmt.Errorf("function %s: no ret entry for output %q", f.Name, out.Name)
		}
		base, _ := SplitNodeOutput(src)
		if !names[base] {
			return fmt.Errorf("function %s: ret %q refers to unknown node %q", f.Name, out.Name, src)
		}
	}
	return nil
}

// Equal reports whether two definitions are structurally identical.
func (f *FunctionDef) Equal(other *FunctionDef) bool {
	if f == nil || other == nil {
		return f == other
	}
	if f.Name != other.Name || len(f.InputArgs) != len(other.InputArgs) ||
		len(f.OutputArgs) != len(other.OutputArgs) || len(f.Nodes) != len(other.Nodes) ||
		len(f.Ret) != len(other.Ret) {
		return false
	}
	for i := range f.InputArgs {
		if f.InputArgs[i].Name != other.InputArgs[i].Name || f.InputArgs[i].Type != other.InputArgs[i].Type {
			return false
		}
	}
	for i := range f.OutputArgs {
		if f.OutputArgs[i].Name != other.OutputArgs[i].Name || f.OutputArgs[i].Type != other.OutputArgs[i].Type {
			return false
		}
	}
	for i := range f.Nodes {
		a, b := f.Nodes[i], other.Nodes[i]
		if a.Name != b.Name || a.Op != b.Op || a.Device != b.Device || len(a.Inputs) != len(b.Inputs) {
			return false
		}
		for j := range a.Inputs {
			if a.Inputs[j] != b.Inputs[j] {
				return false
			}
		}
	}
	for k, v := range f.Ret {
		if other.Ret[k] != v {
			return false
		}
	}
	return true
}

// SplitNodeOutput parses "name:idx" into its parts; a bare "name" means
// output 0.
func SplitNodeOutput(s string) (name string, idx int32) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			var n int32
			for _, c := range s[i+1:] {
				if c < '0' || c > '9' {
					return s, 0
				}
				n = n*10 + int32(c-'0')
			}
			return s[:i], n
		}
	}
	return s, 0
}
