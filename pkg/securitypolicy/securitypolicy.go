package securitypolicy

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"
)

type EnvVarRule string

const (
	EnvVarRuleString EnvVarRule = "string"
	EnvVarRuleRegex  EnvVarRule = "re2"
)

type IDNameStrategy string

const (
	IDNameStrategyName IDNameStrategy = "name"
	IDNameStrategyID   IDNameStrategy = "id"
	IDNameStrategyAny  IDNameStrategy = "any"
)

// CanonicalForm is implemented by every record that ends up in the policy
// document. The returned value is built only from maps, slices, strings,
// numbers and booleans, so it encodes to the same JSON as the Rego payload.
type CanonicalForm interface {
	ToCanonicalForm() interface{}
}

// EnvRuleConfig describes one allowed environment variable. Rule is
// "NAME=VALUE" for the string strategy and a regular expression matched
// against "NAME=VALUE" for the re2 strategy.
type EnvRuleConfig struct {
	Strategy EnvVarRule `json:"strategy"`
	Rule     string     `json:"pattern"`
	Required bool       `json:"required"`
}

func (e EnvRuleConfig) ToCanonicalForm() interface{} {
	return map[string]interface{}{
		"pattern":  e.Rule,
		"strategy": string(e.Strategy),
		"required": e.Required,
	}
}

// Name returns the variable name part of the rule.
func (e EnvRuleConfig) Name() string {
	n, _, _ := strings.Cut(e.Rule, "=")
	return n
}

// MountConfig is the user facing description of a volume mount.
type MountConfig struct {
	MountType string `json:"mountType"`
	MountPath string `json:"mountPath"`
	Readonly  bool   `json:"readonly"`
}

// Mount is the constraint a runtime mount has to satisfy. Source is a
// regular expression.
type Mount struct {
	Destination string   `json:"destination"`
	Options     []string `json:"options"`
	Source      string   `json:"source"`
	Type        string   `json:"type"`
}

func (m Mount) ToCanonicalForm() interface{} {
	return map[string]interface{}{
		"destination": m.Destination,
		"options":     stringsToCanonical(m.Options),
		"source":      m.Source,
		"type":        m.Type,
	}
}

// ExecProcessConfig describes a process that may be started in a running
// container, e.g. for an exec probe.
type ExecProcessConfig struct {
	Command []string `json:"command"`
	Signals []int    `json:"signals"`
}

func (e ExecProcessConfig) ToCanonicalForm() interface{} {
	return map[string]interface{}{
		"command": stringsToCanonical(e.Command),
		"signals": intsToCanonical(e.Signals),
	}
}

type IDNameConfig struct {
	Strategy IDNameStrategy `json:"strategy"`
	Rule     string         `json:"pattern"`
}

func (i IDNameConfig) ToCanonicalForm() interface{} {
	return map[string]interface{}{
		"pattern":  i.Rule,
		"strategy": string(i.Strategy),
	}
}

type UserConfig struct {
	UserIDName   IDNameConfig   `json:"user_idname"`
	GroupIDNames []IDNameConfig `json:"group_idnames"`
	Umask        string         `json:"umask"`
}

func (u UserConfig) ToCanonicalForm() interface{} {
	groups := make([]interface{}, 0, len(u.GroupIDNames))
	for _, g := range u.GroupIDNames {
		groups = append(groups, g.ToCanonicalForm())
	}
	return map[string]interface{}{
		"user_idname":   u.UserIDName.ToCanonicalForm(),
		"group_idnames": groups,
		"umask":         u.Umask,
	}
}

type CapabilitiesConfig struct {
	Bounding    []string `json:"bounding"`
	Effective   []string `json:"effective"`
	Inheritable []string `json:"inheritable"`
	Permitted   []string `json:"permitted"`
	Ambient     []string `json:"ambient"`
}

func (c CapabilitiesConfig) ToCanonicalForm() interface{} {
	return map[string]interface{}{
		"bounding":    stringsToCanonical(c.Bounding),
		"effective":   stringsToCanonical(c.Effective),
		"inheritable": stringsToCanonical(c.Inheritable),
		"permitted":   stringsToCanonical(c.Permitted),
		"ambient":     stringsToCanonical(c.Ambient),
	}
}

// FragmentConfig references a separately signed policy fragment.
type FragmentConfig struct {
	Feed       string   `json:"feed"`
	Issuer     string   `json:"issuer"`
	MinimumSVN string   `json:"minimum_svn"`
	Includes   []string `json:"includes"`
}

func (f FragmentConfig) ToCanonicalForm() interface{} {
	return map[string]interface{}{
		"feed":        f.Feed,
		"issuer":      f.Issuer,
		"minimum_svn": f.MinimumSVN,
		"includes":    stringsToCanonical(f.Includes),
	}
}

// ContainerImage is the policy record of a single container. ID is the
// image reference as declared by the user and is the key used when two
// policies are compared.
type ContainerImage struct {
	ID   string
	Name string
	// Base and Tag are the decomposed image reference used to pull metadata.
	Base string
	Tag  string

	Command  []string
	EnvRules []EnvRuleConfig
	Mounts   []Mount
	// ExecProcesses lists processes that may be started with exec, e.g. by
	// readiness and liveness probes.
	ExecProcesses []ExecProcessConfig
	// An ordered list of dm-verity root hashes for each layer that makes up
	// the container. Empty until the policy is populated from the image.
	Layers     []string
	WorkingDir string
	Signals    []int
	// User is nil until either declared or populated from the image.
	User                 *UserConfig
	Capabilities         *CapabilitiesConfig
	SeccompProfileSHA256 string
	AllowElevated        bool
	AllowStdioAccess     bool
	NoNewPrivileges      bool
}

// NewContainerImage creates a record for the image reference id with the
// defaults of an unprivileged container.
func NewContainerImage(id string) (*ContainerImage, error) {
	base, tag, err := splitImageReference(id)
	if err != nil {
		return nil, err
	}
	caps := DefaultUnprivilegedCapabilities()
	return &ContainerImage{
		ID:               id,
		Base:             base,
		Tag:              tag,
		Capabilities:     &caps,
		AllowStdioAccess: true,
	}, nil
}

func splitImageReference(id string) (string, string, error) {
	ref, err := name.ParseReference(id)
	if err != nil {
		return "", "", errors.Wrapf(ErrInvalidInput, "%q isn't a valid image name: %s", id, err)
	}
	return ref.Context().Name(), ref.Identifier(), nil
}

func (c *ContainerImage) ToCanonicalForm() interface{} {
	envRules := make([]interface{}, 0, len(c.EnvRules))
	for _, e := range c.EnvRules {
		envRules = append(envRules, e.ToCanonicalForm())
	}
	mounts := make([]interface{}, 0, len(c.Mounts))
	for _, m := range c.Mounts {
		mounts = append(mounts, m.ToCanonicalForm())
	}
	execs := make([]interface{}, 0, len(c.ExecProcesses))
	for _, e := range c.ExecProcesses {
		execs = append(execs, e.ToCanonicalForm())
	}
	user := DefaultUserConfig()
	if c.User != nil {
		user = *c.User
	}
	caps := CapabilitiesConfig{}
	if c.Capabilities != nil {
		caps = *c.Capabilities
	}

	return map[string]interface{}{
		"id":                     c.ID,
		"name":                   c.Name,
		"layers":                 stringsToCanonical(c.Layers),
		"command":                stringsToCanonical(c.Command),
		"env_rules":              envRules,
		"working_dir":            c.WorkingDir,
		"mounts":                 mounts,
		"exec_processes":         execs,
		"signals":                intsToCanonical(c.Signals),
		"user":                   user.ToCanonicalForm(),
		"capabilities":           caps.ToCanonicalForm(),
		"seccomp_profile_sha256": c.SeccompProfileSHA256,
		"allow_elevated":         c.AllowElevated,
		"allow_stdio_access":     c.AllowStdioAccess,
		"no_new_privileges":      c.NoNewPrivileges,
	}
}

// containerDocument mirrors the canonical form and is used to read policies
// back, e.g. from an existing Rego policy or raw JSON output.
type containerDocument struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Layers               []string            `json:"layers"`
	Command              []string            `json:"command"`
	EnvRules             []EnvRuleConfig     `json:"env_rules"`
	WorkingDir           string              `json:"working_dir"`
	Mounts               []Mount             `json:"mounts"`
	ExecProcesses        []ExecProcessConfig `json:"exec_processes"`
	Signals              []int               `json:"signals"`
	User                 *UserConfig         `json:"user"`
	Capabilities         *CapabilitiesConfig `json:"capabilities"`
	SeccompProfileSHA256 string              `json:"seccomp_profile_sha256"`
	AllowElevated        bool                `json:"allow_elevated"`
	AllowStdioAccess     bool                `json:"allow_stdio_access"`
	NoNewPrivileges      bool                `json:"no_new_privileges"`
}

// ParseContainerList reads a JSON container list in canonical form.
func ParseContainerList(data []byte) ([]*ContainerImage, error) {
	var docs []containerDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal container list")
	}

	containers := make([]*ContainerImage, 0, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return nil, errors.Wrapf(ErrMissingField, "container %d: id", i)
		}
		// ids that are not valid references (e.g. unresolved template
		// expressions in an old policy) are still comparable by id
		base, tag, err := splitImageReference(d.ID)
		if err != nil {
			base, tag = d.ID, ""
		}
		containers = append(containers, &ContainerImage{
			ID:                   d.ID,
			Name:                 d.Name,
			Base:                 base,
			Tag:                  tag,
			Command:              d.Command,
			EnvRules:             d.EnvRules,
			Mounts:               d.Mounts,
			ExecProcesses:        d.ExecProcesses,
			Layers:               d.Layers,
			WorkingDir:           d.WorkingDir,
			Signals:              d.Signals,
			User:                 d.User,
			Capabilities:         d.Capabilities,
			SeccompProfileSHA256: d.SeccompProfileSHA256,
			AllowElevated:        d.AllowElevated,
			AllowStdioAccess:     d.AllowStdioAccess,
			NoNewPrivileges:      d.NoNewPrivileges,
		})
	}
	return containers, nil
}

func validateEnvRules(rules []EnvRuleConfig) error {
	for _, rule := range rules {
		switch rule.Strategy {
		case EnvVarRuleString:
		case EnvVarRuleRegex:
			if _, err := regexp.Compile(rule.Rule); err != nil {
				return errors.Wrapf(ErrInvalidInput, "environment variable rule %q: %s", rule.Rule, err)
			}
		default:
			return errors.Wrapf(ErrInvalidInput, "environment variable rule %q: unknown strategy %q", rule.Rule, rule.Strategy)
		}
	}
	return nil
}

func stringsToCanonical(s []string) []interface{} {
	out := make([]interface{}, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}

func intsToCanonical(s []int) []interface{} {
	out := make([]interface{}, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}
