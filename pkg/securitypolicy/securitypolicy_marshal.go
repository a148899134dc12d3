package securitypolicy

import (
	"crypto/sha256"
	_ "embed"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/docutil"
	"github.com/Microsoft/confcom/internal/regopolicyinterpreter"
)

// OutputType selects the encoding of GetSerializedOutput.
type OutputType int

const (
	// OutputDefault is base64 of the compact encoding, the form stored in a
	// template's ccePolicy property.
	OutputDefault OutputType = iota
	// OutputRaw is compact JSON.
	OutputRaw
	// OutputPretty is indented JSON.
	OutputPretty
)

func (o OutputType) String() string {
	switch o {
	case OutputDefault:
		return "default"
	case OutputRaw:
		return "raw"
	case OutputPretty:
		return "pretty"
	default:
		return fmt.Sprintf("OutputType(%d)", int(o))
	}
}

type marshalFunc func(v interface{}) (string, error)

var registeredMarshallers = map[OutputType]marshalFunc{
	OutputDefault: docutil.MarshalCompact,
	OutputRaw:     docutil.MarshalCompact,
	OutputPretty:  docutil.MarshalPretty,
}

//go:embed policy.rego
var policyRegoTemplate string

//go:embed sidecar.rego
var sidecarRegoTemplate string

const (
	containersPlaceholder = "##CONTAINERS##"
	fragmentsPlaceholder  = "##FRAGMENTS##"
)

// GetSerializedOutput serializes the container list of the policy. With
// regoBoilerplate the list is wrapped in a Rego policy: the reduced sidecar
// template when every container is a sidecar, the customer template with
// fragments and policy flags otherwise. OutputDefault base64 encodes the
// result.
func (p *ACIPolicy) GetSerializedOutput(outputType OutputType, regoBoilerplate bool) (string, error) {
	marshal, ok := registeredMarshallers[outputType]
	if !ok {
		return "", errors.Wrapf(ErrInvalidInput, "unknown output type %s", outputType)
	}

	out, err := marshal(p.ToCanonicalForm())
	if err != nil {
		return "", errors.Wrap(err, "unable to marshal containers")
	}

	if regoBoilerplate {
		if out, err = p.marshalRego(out, marshal); err != nil {
			return "", err
		}
	}

	if outputType == OutputDefault {
		return docutil.EncodeBase64(out), nil
	}
	return out, nil
}

func (p *ACIPolicy) marshalRego(containers string, marshal marshalFunc) (string, error) {
	var policy string
	if p.IsSidecarOnly() {
		policy = strings.Replace(sidecarRegoTemplate, containersPlaceholder, containers, 1)
	} else {
		fragments, err := marshal(p.fragmentsCanonicalForm())
		if err != nil {
			return "", errors.Wrap(err, "unable to marshal fragments")
		}
		policy = strings.NewReplacer(
			containersPlaceholder, containers,
			fragmentsPlaceholder, fragments,
			"##ALLOW_PROPERTIES_ACCESS##", fmt.Sprint(p.flags.AllowPropertiesAccess),
			"##ALLOW_DUMP_STACKS##", fmt.Sprint(p.flags.AllowDumpStacks),
			"##ALLOW_RUNTIME_LOGGING##", fmt.Sprint(p.flags.AllowRuntimeLogging),
			"##ALLOW_ENVIRONMENT_VARIABLE_DROPPING##", fmt.Sprint(p.flags.AllowEnvironmentVariableDropping),
			"##ALLOW_UNENCRYPTED_SCRATCH##", fmt.Sprint(p.flags.AllowUnencryptedScratch),
			"##ALLOW_CAPABILITY_DROPPING##", fmt.Sprint(p.flags.AllowCapabilityDropping),
		).Replace(policyRegoTemplate)
	}

	if err := regopolicyinterpreter.Parse(policy); err != nil {
		return "", errors.Wrap(err, "generated policy is not valid Rego")
	}
	return policy, nil
}

// PolicyDigest returns the hex sha256 of a serialized policy, the value a
// confidential container group reports as its host data.
func PolicyDigest(policy string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(policy)))
}
