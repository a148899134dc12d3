package securitypolicy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
)

// DiffKind tags a Difference.
type DiffKind int

const (
	// DiffAdded is a value of the tested container that the policy lacks.
	DiffAdded DiffKind = iota
	// DiffRemoved is a value of the policy that the tested container lacks.
	DiffRemoved
	// DiffChanged is a value present on both sides with different content.
	DiffChanged
	// DiffEnvMismatch is an environment rule of the tested container that no
	// rule of the policy allows.
	DiffEnvMismatch
	// DiffNotFound is a tested container whose id isn't in the policy.
	DiffNotFound
)

func (k DiffKind) String() string {
	switch k {
	case DiffAdded:
		return "added"
	case DiffRemoved:
		return "removed"
	case DiffChanged:
		return "changed"
	case DiffEnvMismatch:
		return "env_mismatch"
	case DiffNotFound:
		return "not_found"
	default:
		return fmt.Sprintf("DiffKind(%d)", int(k))
	}
}

// Difference is one mismatch between a tested container and the policy.
type Difference struct {
	Kind        DiffKind
	ContainerID string
	// Field is the top level key of the container the difference is under.
	Field string
	// Path locates the value within Field, e.g. "mounts[1].options".
	Path string
	// PolicyValue and TestedValue are the canonical values on each side; the
	// one missing for DiffAdded and DiffRemoved is nil.
	PolicyValue interface{}
	TestedValue interface{}
}

func (d Difference) String() string {
	switch d.Kind {
	case DiffNotFound:
		return fmt.Sprintf("%s not found in policy", d.ContainerID)
	case DiffEnvMismatch:
		rule, _ := d.TestedValue.(EnvRuleConfig)
		if rule.Strategy == EnvVarRuleRegex {
			return fmt.Sprintf("environment variable with rule '%s' does not match regex in policy rules", rule.Rule)
		}
		return fmt.Sprintf("environment variable with rule '%s' does not match strings or regex in policy rules", rule.Rule)
	case DiffAdded:
		return fmt.Sprintf("%s: tested value %s is not in policy", d.Path, render(d.TestedValue))
	case DiffRemoved:
		return fmt.Sprintf("%s: policy value %s is missing from tested value", d.Path, render(d.PolicyValue))
	default:
		return fmt.Sprintf("%s: policy value %s does not match tested value %s", d.Path, render(d.PolicyValue), render(d.TestedValue))
	}
}

func render(v interface{}) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprintf("%v", v)
}

// ValidationResult holds the differences found by a comparison.
type ValidationResult struct {
	Differences []Difference
}

// IsValid reports whether the comparison found no differences.
func (r ValidationResult) IsValid() bool {
	return len(r.Differences) == 0
}

// Reasons renders the differences as messages keyed by container id and
// field.
func (r ValidationResult) Reasons() map[string]map[string][]string {
	reasons := map[string]map[string][]string{}
	for _, d := range r.Differences {
		byField, ok := reasons[d.ContainerID]
		if !ok {
			byField = map[string][]string{}
			reasons[d.ContainerID] = byField
		}
		byField[d.Field] = append(byField[d.Field], d.String())
	}
	return reasons
}

// orderedFields are lists whose element order is part of the meaning. Every
// other list is compared as a multiset.
var orderedFields = map[string]bool{
	"command": true,
	"layers":  true,
}

// diffCanonical compares canonical forms, tested against policy, and
// appends what differs under path.
func diffCanonical(id, field, path string, tested, policy interface{}, out *[]Difference) {
	if cmp.Equal(tested, policy) {
		return
	}

	switch t := tested.(type) {
	case map[string]interface{}:
		p, ok := policy.(map[string]interface{})
		if !ok {
			break
		}
		for _, k := range unionKeys(t, p) {
			tv, tok := t[k]
			pv, pok := p[k]
			sub := joinPath(path, k)
			f := field
			if f == "" {
				f = k
			}
			switch {
			case tok && !pok:
				*out = append(*out, Difference{Kind: DiffAdded, ContainerID: id, Field: f, Path: sub, TestedValue: tv})
			case !tok && pok:
				*out = append(*out, Difference{Kind: DiffRemoved, ContainerID: id, Field: f, Path: sub, PolicyValue: pv})
			default:
				diffCanonical(id, f, sub, tv, pv, out)
			}
		}
		return
	case []interface{}:
		p, ok := policy.([]interface{})
		if !ok {
			break
		}
		if orderedFields[field] && path == field {
			diffOrdered(id, field, path, t, p, out)
		} else {
			diffUnordered(id, field, path, t, p, out)
		}
		return
	}

	*out = append(*out, Difference{
		Kind:        DiffChanged,
		ContainerID: id,
		Field:       field,
		Path:        path,
		PolicyValue: policy,
		TestedValue: tested,
	})
}

func diffOrdered(id, field, path string, tested, policy []interface{}, out *[]Difference) {
	for i := 0; i < len(tested) || i < len(policy); i++ {
		sub := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case i >= len(policy):
			*out = append(*out, Difference{Kind: DiffAdded, ContainerID: id, Field: field, Path: sub, TestedValue: tested[i]})
		case i >= len(tested):
			*out = append(*out, Difference{Kind: DiffRemoved, ContainerID: id, Field: field, Path: sub, PolicyValue: policy[i]})
		default:
			diffCanonical(id, field, sub, tested[i], policy[i], out)
		}
	}
}

// diffUnordered pairs equal elements regardless of position. Unpaired tested
// elements are added, unpaired policy elements removed.
func diffUnordered(id, field, path string, tested, policy []interface{}, out *[]Difference) {
	used := make([]bool, len(policy))
	for i, tv := range tested {
		matched := false
		for j, pv := range policy {
			if !used[j] && cmp.Equal(tv, pv) {
				used[j] = true
				matched = true
				break
			}
		}
		if !matched {
			*out = append(*out, Difference{Kind: DiffAdded, ContainerID: id, Field: field, Path: fmt.Sprintf("%s[%d]", path, i), TestedValue: tv})
		}
	}
	for j, pv := range policy {
		if !used[j] {
			*out = append(*out, Difference{Kind: DiffRemoved, ContainerID: id, Field: field, Path: fmt.Sprintf("%s[%d]", path, j), PolicyValue: pv})
		}
	}
}

func unionKeys(a, b map[string]interface{}) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return strings.Join([]string{path, key}, ".")
}
