package object

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Path is a compiled dotted property path, like "address.city" or "_sourceUuids.*". A "*"
// segment matches every element of an array or every value of an object, a numeric segment
// indexes an array.
type Path struct {
	name string
	expr jp.Expr
}

// CompilePath parses a dotted property path.
func CompilePath(name string) (*Path, error) {
	if name == "" {
		return nil, errors.New("empty path")
	}
	x := jp.R()
	for _, seg := range strings.Split(name, ".") {
		switch {
		case seg == "":
			return nil, fmt.Errorf("invalid path %q: empty segment", name)
		case seg == "*":
			x = x.W()
		default:
			if n, err := strconv.Atoi(seg); err == nil {
				x = x.N(n)
			} else {
				x = x.C(seg)
			}
		}
	}
	return &Path{name: name, expr: x}, nil
}

// MustCompilePath is like CompilePath but panics on error.
func MustCompilePath(name string) *Path {
	p, err := CompilePath(name)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the path in dotted form.
func (p *Path) String() string { return p.name }

// Get returns the first value at the path. The second return is false when the path does not
// exist in the document, which is different from a path that holds null.
func (p *Path) Get(obj Object) (any, bool) {
	if obj == nil {
		return nil, false
	}
	res := p.expr.Get(map[string]any(obj))
	if len(res) == 0 {
		return nil, false
	}
	return res[0], true
}

// Values returns every value at the path.
func (p *Path) Values(obj Object) []any {
	if obj == nil {
		return nil
	}
	return p.expr.Get(map[string]any(obj))
}

// GetPath is a convenience wrapper that compiles the path and returns the first value.
func GetPath(obj Object, name string) (any, bool, error) {
	p, err := CompilePath(name)
	if err != nil {
		return nil, false, err
	}
	v, ok := p.Get(obj)
	return v, ok, nil
}
