package armtemplate

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/docutil"
)

// ErrUndefinedParameter is returned when an expression refers to a
// parameter or variable that has no value.
var ErrUndefinedParameter = errors.New("undefined template parameter")

var (
	expression      = regexp.MustCompile(`\[(parameters|variables)\('([^']*)'\)\]`)
	wholeExpression = regexp.MustCompile(`^\s*\[(parameters|variables)\('([^']*)'\)\]\s*$`)
)

// Resolver resolves parameters('X') and variables('X') expressions against
// the values of a template. Names are matched ignoring case.
type Resolver struct {
	parameters map[string]interface{}
	variables  map[string]interface{}
	// values from a separate parameters file, they win over defaults
	values map[string]interface{}
}

// NewResolver creates a resolver from the parameters and variables sections
// of a template and the parameters section of a parameters file. Any of them
// may be nil.
func NewResolver(parameters, variables, parameterValues map[string]interface{}) *Resolver {
	return &Resolver{
		parameters: parameters,
		variables:  variables,
		values:     parameterValues,
	}
}

func (r *Resolver) lookup(kind, name string) (interface{}, bool) {
	if kind == "variables" {
		v, ok := docutil.CaseInsensitiveGet(r.variables, name)
		return v, ok && v != nil
	}

	if rec, ok := docutil.CaseInsensitiveGet(r.values, name); ok {
		if m, ok := rec.(map[string]interface{}); ok {
			if v, ok := docutil.CaseInsensitiveGet(m, "value"); ok {
				return v, true
			}
		}
	}
	if rec, ok := docutil.CaseInsensitiveGet(r.parameters, name); ok {
		if m, ok := rec.(map[string]interface{}); ok {
			if v, ok := docutil.GetFirst(m, "value", "defaultValue"); ok {
				return v, true
			}
		}
	}
	return nil, false
}

// Resolve replaces the expression in value. A value that consists of a
// single expression resolves to the referenced value with its own type, e.g.
// an array. Otherwise only the first expression in the string is replaced by
// the string form of its value. Values that aren't strings are returned as
// is.
//
// An expression without a value fails with ErrUndefinedParameter, unless
// ignoreUndefined is set, in which case value is returned unchanged.
func (r *Resolver) Resolve(value interface{}, ignoreUndefined bool) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}

	if m := wholeExpression.FindStringSubmatch(s); m != nil {
		v, ok := r.lookup(m[1], m[2])
		if !ok {
			if ignoreUndefined {
				return value, nil
			}
			return nil, errors.Wrapf(ErrUndefinedParameter, "%s('%s')", m[1], m[2])
		}
		return v, nil
	}

	loc := expression.FindStringSubmatchIndex(s)
	if loc == nil {
		return value, nil
	}
	kind, name := s[loc[2]:loc[3]], s[loc[4]:loc[5]]
	v, ok := r.lookup(kind, name)
	if !ok {
		if ignoreUndefined {
			return value, nil
		}
		return nil, errors.Wrapf(ErrUndefinedParameter, "%s('%s')", kind, name)
	}
	str, ok := docutil.AsString(v)
	if !ok {
		return nil, errors.Errorf("%s('%s') is used inside a string but is a %T", kind, name, v)
	}
	return s[:loc[0]] + str + s[loc[1]:], nil
}

// IsUnresolved reports whether value still holds a template expression.
func (r *Resolver) IsUnresolved(value interface{}) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	return expression.MatchString(s) || (strings.HasPrefix(s, "[") && !strings.HasPrefix(s, "[[") && strings.HasSuffix(s, "]"))
}
