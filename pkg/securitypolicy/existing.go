package securitypolicy

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/docutil"
	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/regopolicyinterpreter"
)

// ExistingPolicy is the content recovered from a previously generated policy.
type ExistingPolicy struct {
	Containers []*ContainerImage
	Fragments  []FragmentConfig
	// Flags is nil for sidecar policies and container lists, which don't
	// carry any.
	Flags *PolicyFlags
	// Rego is the policy source, empty when the policy was a bare JSON
	// container list.
	Rego string
}

// Digest returns the digest of the recovered Rego source.
func (e *ExistingPolicy) Digest() string {
	return PolicyDigest(e.Rego)
}

// LoadExistingPolicy recovers the containers, fragments and flags of a
// policy. The policy may be base64 encoded, as stored in a ccePolicy
// property, and is either Rego source or a JSON container list.
func LoadExistingPolicy(ctx context.Context, policy string) (*ExistingPolicy, error) {
	// source keeps the exact bytes the digest is taken over
	source := policy
	if decoded, err := docutil.DecodeBase64(strings.TrimSpace(policy)); err == nil {
		source = decoded
	}
	policy = strings.TrimSpace(source)
	if policy == "" {
		return nil, errors.Wrap(ErrMissingField, "existing policy is empty")
	}

	if strings.HasPrefix(policy, "[") {
		containers, err := ParseContainerList([]byte(policy))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidInput, "existing policy: %s", err)
		}
		return &ExistingPolicy{Containers: containers, Fragments: []FragmentConfig{}}, nil
	}

	interpreter, err := regopolicyinterpreter.NewRegoPolicyInterpreter(policy, nil)
	if err != nil {
		return nil, err
	}
	if err := interpreter.Compile(); err != nil {
		return nil, errors.Wrapf(ErrInvalidInput, "existing policy: %s", err)
	}
	result, err := interpreter.Query(ctx, "data.policy", nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to evaluate existing policy")
	}

	raw, err := result.JSON("containers")
	if err != nil {
		return nil, errors.Wrapf(ErrMissingField, "existing policy: containers")
	}
	containers, err := ParseContainerList(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidInput, "existing policy: %s", err)
	}

	existing := &ExistingPolicy{
		Containers: containers,
		Fragments:  []FragmentConfig{},
		Rego:       source,
	}

	if raw, err := result.JSON("fragments"); err == nil {
		if err := json.Unmarshal(raw, &existing.Fragments); err != nil {
			return nil, errors.Wrapf(ErrInvalidInput, "existing policy fragments: %s", err)
		}
	}

	if _, err := result.Bool("allow_properties_access"); err == nil {
		flags := PolicyFlags{}
		for name, dst := range map[string]*bool{
			"allow_properties_access":             &flags.AllowPropertiesAccess,
			"allow_dump_stacks":                   &flags.AllowDumpStacks,
			"allow_runtime_logging":               &flags.AllowRuntimeLogging,
			"allow_environment_variable_dropping": &flags.AllowEnvironmentVariableDropping,
			"allow_unencrypted_scratch":           &flags.AllowUnencryptedScratch,
			"allow_capability_dropping":           &flags.AllowCapabilityDropping,
		} {
			if *dst, err = result.Bool(name); err != nil {
				log.G(ctx).WithError(err).Warn("existing policy flag is missing")
			}
		}
		existing.Flags = &flags
	}

	log.G(ctx).WithField("containers", len(existing.Containers)).Debug("loaded existing policy")
	return existing, nil
}
