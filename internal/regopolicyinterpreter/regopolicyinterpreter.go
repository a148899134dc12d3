// Package regopolicyinterpreter compiles and queries Rego security policies
// with OPA.
package regopolicyinterpreter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
)

const policyModuleName = "policy.rego"

type RegoPolicyInterpreter struct {
	// Mutex to prevent concurrent access to fields
	mutex sync.Mutex
	// Rego which describes policy behavior
	code string
	// Rego data namespace
	data map[string]interface{}
	// Compiled modules
	compiledModules *ast.Compiler
}

// The result from a policy query
type RegoQueryResult map[string]interface{}

// deep copy for a string map
func copyData(data map[string]interface{}) (map[string]interface{}, error) {
	if data == nil {
		return map[string]interface{}{}, nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var dataCopy map[string]interface{}
	err = json.Unmarshal(dataJSON, &dataCopy)
	if err != nil {
		return nil, err
	}

	return dataCopy, nil
}

// NewRegoPolicyInterpreter creates a new RegoPolicyInterpreter, using the code provided.
// inputData is the Rego data which should be used as the initial state
// of the interpreter. A deep copy is performed on it such that it will
// not be modified.
func NewRegoPolicyInterpreter(code string, inputData map[string]interface{}) (*RegoPolicyInterpreter, error) {
	data, err := copyData(inputData)
	if err != nil {
		return nil, fmt.Errorf("unable to copy the input data: %w", err)
	}

	return &RegoPolicyInterpreter{
		code: code,
		data: data,
	}, nil
}

// Parse checks that code is a syntactically valid Rego module.
func Parse(code string) error {
	if _, err := ast.ParseModule(policyModuleName, code); err != nil {
		return errors.Wrap(err, "rego parsing failed")
	}
	return nil
}

// Compile compiles the policy. This will increase the speed of policy
// execution and reports errors that parsing alone does not find, e.g.
// unsafe variables or calls to undefined functions.
func (r *RegoPolicyInterpreter) Compile() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.compiledModules != nil {
		return nil
	}

	modules := map[string]string{policyModuleName: r.code}
	compiled, err := ast.CompileModulesWithOpt(modules, ast.CompileOpts{})
	if err != nil {
		return fmt.Errorf("rego compilation failed: %w", err)
	}
	r.compiledModules = compiled
	return nil
}

func (r *RegoPolicyInterpreter) query(ctx context.Context, rule string, input map[string]interface{}) (interface{}, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	store := inmem.NewFromObject(r.data)

	query := rego.New(
		rego.Query(rule),
		rego.Store(store),
	)
	if input != nil {
		rego.Input(input)(query)
	}

	if r.compiledModules == nil {
		rego.Module(policyModuleName, r.code)(query)
	} else {
		rego.Compiler(r.compiledModules)(query)
	}

	resultSet, err := query.Eval(ctx)
	if err != nil {
		return nil, err
	}

	if len(resultSet) == 0 || len(resultSet[0].Expressions) == 0 {
		return nil, nil
	}
	return resultSet[0].Expressions[0].Value, nil
}

// Query queries the policy with the given rule and input data and returns the
// result object. An undefined rule gives an empty result.
func (r *RegoPolicyInterpreter) Query(ctx context.Context, rule string, input map[string]interface{}) (RegoQueryResult, error) {
	value, err := r.query(ctx, rule, input)
	if err != nil {
		return nil, err
	}

	result := make(RegoQueryResult)
	if value == nil {
		log.G(ctx).WithField(logfields.Rule, rule).Debug("rego query result is undefined")
		return result, nil
	}

	object, ok := value.(map[string]interface{})
	if !ok {
		return nil, errors.New("unable to load results object from Rego query")
	}
	if log.G(ctx).Logger.IsLevelEnabled(logrus.TraceLevel) {
		log.G(ctx).WithFields(logrus.Fields{
			logfields.Rule:  rule,
			logfields.Value: log.Format(ctx, object),
		}).Trace("rego query result")
	}
	for name, v := range object {
		result[name] = v
	}
	return result, nil
}

// Value returns the raw value from a Rego query result.
func (r RegoQueryResult) Value(key string) (interface{}, error) {
	if value, ok := r[key]; ok {
		return value, nil
	}
	return nil, fmt.Errorf("unable to find value for key '%s'", key)
}

// Bool attempts to interpret a result value as a boolean.
func (r RegoQueryResult) Bool(key string) (bool, error) {
	flag, ok := r[key]
	if !ok {
		return false, fmt.Errorf("unable to find value for key '%s'", key)
	}
	value, ok := flag.(bool)
	if !ok {
		return false, fmt.Errorf("value for '%s' is not a boolean", key)
	}
	return value, nil
}

// String attempts to interpret the result value as a string.
func (r RegoQueryResult) String(key string) (string, error) {
	flag, ok := r[key]
	if !ok {
		return "", fmt.Errorf("unable to find value for key '%s'", key)
	}
	value, ok := flag.(string)
	if !ok {
		return "", fmt.Errorf("value for '%s' is not a string", key)
	}
	return value, nil
}

// JSON re-encodes a result value, e.g. to decode it into a typed structure.
func (r RegoQueryResult) JSON(key string) ([]byte, error) {
	value, err := r.Value(key)
	if err != nil {
		return nil, err
	}
	return json.Marshal(value)
}

// IsEmpty tests if the query result is empty.
func (r RegoQueryResult) IsEmpty() bool {
	return len(r) == 0
}
