package securitypolicy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-shellwords"
	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Microsoft/confcom/internal/docutil"
	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
)

const wildcardValue = ".*"

// ValueResolver resolves template expressions found in container property
// values. ignoreUndefined asks the resolver to return expressions it cannot
// resolve unchanged instead of failing.
type ValueResolver interface {
	Resolve(value interface{}, ignoreUndefined bool) (interface{}, error)
	// IsUnresolved reports whether value still contains an expression.
	IsUnresolved(value interface{}) bool
}

// literalResolver is used for standalone documents, where every value is
// taken as is.
type literalResolver struct{}

func (literalResolver) Resolve(v interface{}, _ bool) (interface{}, error) {
	return v, nil
}

func (literalResolver) IsUnresolved(interface{}) bool {
	return false
}

// Prompter asks the user to approve a wildcard rule for an environment
// variable whose value is only known at deployment time.
type Prompter interface {
	ApproveWildcard(envName string) (bool, error)
}

type readerPrompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter returns a Prompter that asks on out and reads y/n answers from in.
func NewPrompter(in io.Reader, out io.Writer) Prompter {
	return &readerPrompter{in: bufio.NewReader(in), out: out}
}

func (r *readerPrompter) ApproveWildcard(envName string) (bool, error) {
	fmt.Fprintf(r.out, "Create a wildcard policy for the environment variable %s? (y/n): ", envName)
	answer, err := r.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && answer != "") {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

// BuildOptions controls how container descriptions are turned into records.
type BuildOptions struct {
	// Resolver resolves template expressions. Nil means values are literal.
	Resolver ValueResolver
	// Volumes is the container group's top level volume list that
	// volumeMounts refer to by name.
	Volumes []interface{}
	// ApproveWildcards accepts wildcard rules without prompting.
	ApproveWildcards bool
	Prompter         Prompter
}

func (o *BuildOptions) resolver() ValueResolver {
	if o.Resolver == nil {
		return literalResolver{}
	}
	return o.Resolver
}

// BuildContainerImage builds the record for one container description. The
// description is either flat:
//
//	{"containerImage": "...", "environmentVariables": [...], "mounts": [...]}
//
// or wrapped in an ARM style envelope:
//
//	{"name": "...", "properties": {"image": "...", "volumeMounts": [...]}}
func BuildContainerImage(ctx context.Context, container map[string]interface{}, opts BuildOptions) (*ContainerImage, error) {
	props := container
	if p, ok := docutil.GetMap(container, "properties"); ok {
		props = p
	}
	r := opts.resolver()

	rawImage, ok := docutil.GetFirst(props, "image", "containerImage")
	if !ok {
		return nil, errors.Wrap(ErrMissingField, "containerImage")
	}
	resolvedImage, err := r.Resolve(rawImage, false)
	if err != nil {
		return nil, errors.Wrap(err, "containerImage")
	}
	imageName, ok := docutil.AsString(resolvedImage)
	if !ok || imageName == "" {
		return nil, errors.Wrap(ErrMissingField, "containerImage")
	}

	img, err := NewContainerImage(imageName)
	if err != nil {
		return nil, err
	}
	ctx = log.UpdateContext(ctx, map[string]interface{}{logfields.Image: imageName})

	if n, ok := docutil.GetString(container, "name"); ok {
		img.Name = n
	} else if n, ok := docutil.GetString(props, "name"); ok {
		img.Name = n
	}

	if v, ok := docutil.CaseInsensitiveGet(props, "command"); ok && v != nil {
		if img.Command, err = parseCommand(r, v); err != nil {
			return nil, errors.Wrapf(err, "container %q: command", imageName)
		}
	}

	if v, ok := docutil.CaseInsensitiveGet(props, "workingDir"); ok && v != nil {
		resolved, err := r.Resolve(v, false)
		if err != nil {
			return nil, errors.Wrapf(err, "container %q: workingDir", imageName)
		}
		img.WorkingDir, _ = docutil.AsString(resolved)
	}

	if img.EnvRules, err = buildEnvRules(ctx, props, opts); err != nil {
		return nil, errors.Wrapf(err, "container %q", imageName)
	}

	if img.Mounts, err = buildMounts(props, opts); err != nil {
		return nil, errors.Wrapf(err, "container %q", imageName)
	}

	if img.ExecProcesses, err = buildExecProcesses(props); err != nil {
		return nil, errors.Wrapf(err, "container %q", imageName)
	}

	if v, ok := docutil.GetSlice(props, "signals"); ok {
		if img.Signals, err = intSlice(v); err != nil {
			return nil, errors.Wrapf(ErrInvalidInput, "container %q: signals: %s", imageName, err)
		}
	}

	if v, ok := docutil.GetBool(props, "allowStdioAccess"); ok {
		img.AllowStdioAccess = v
	}
	if v, ok := docutil.GetBool(props, "allowElevated"); ok {
		img.AllowElevated = v
		if v {
			caps := DefaultPrivilegedCapabilities()
			img.Capabilities = &caps
		}
	}

	if sc, ok := docutil.GetMap(props, "securityContext"); ok {
		if err := applySecurityContext(img, sc); err != nil {
			return nil, errors.Wrapf(err, "container %q: securityContext", imageName)
		}
	}

	if !IsSidecar(imageName) {
		img.EnvRules = append(img.EnvRules, lo.Filter(DefaultEnvRules(), func(d EnvRuleConfig, _ int) bool {
			return !lo.ContainsBy(img.EnvRules, func(e EnvRuleConfig) bool { return e.Rule == d.Rule })
		})...)
		img.Mounts = append(img.Mounts, DefaultMounts()...)
	}

	if err := validateEnvRules(img.EnvRules); err != nil {
		return nil, errors.Wrapf(err, "container %q", imageName)
	}
	return img, nil
}

func parseCommand(r ValueResolver, v interface{}) ([]string, error) {
	resolved, err := r.Resolve(v, false)
	if err != nil {
		return nil, err
	}
	if s, ok := resolved.(string); ok {
		args, err := shellwords.Parse(s)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidInput, "unable to split %q: %s", s, err)
		}
		return args, nil
	}
	raw, ok := resolved.([]interface{})
	if !ok {
		return nil, errors.Wrapf(ErrInvalidInput, "expected array or string, got %T", resolved)
	}
	args := make([]string, 0, len(raw))
	for _, a := range raw {
		ra, err := r.Resolve(a, false)
		if err != nil {
			return nil, err
		}
		s, ok := docutil.AsString(ra)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidInput, "command argument %v is not a string", ra)
		}
		args = append(args, s)
	}
	return args, nil
}

func buildEnvRules(ctx context.Context, props map[string]interface{}, opts BuildOptions) ([]EnvRuleConfig, error) {
	envs, ok := docutil.GetSlice(props, "environmentVariables")
	if !ok {
		return []EnvRuleConfig{}, nil
	}
	r := opts.resolver()

	rules := make([]EnvRuleConfig, 0, len(envs))
	for i, e := range envs {
		env, ok := e.(map[string]interface{})
		if !ok {
			return nil, errors.Wrapf(ErrInvalidInput, "environment variable %d is not an object", i)
		}
		envName, ok := docutil.GetString(env, "name")
		if !ok || envName == "" {
			return nil, errors.Wrapf(ErrMissingField, "environment variable %d: name", i)
		}

		rule := EnvRuleConfig{Strategy: EnvVarRuleString}
		if s, ok := docutil.GetString(env, "strategy"); ok {
			rule.Strategy = EnvVarRule(strings.ToLower(s))
		}
		if req, ok := docutil.GetBool(env, "required"); ok {
			rule.Required = req
		}

		raw, _ := docutil.GetFirst(env, "value", "secureValue")
		if raw == nil {
			raw = ""
		}
		// environment variables are the one place where parameters without
		// a value are allowed, they are filled in at deployment time
		resolved, err := r.Resolve(raw, true)
		if err != nil {
			return nil, errors.Wrapf(err, "environment variable %q", envName)
		}

		if r.IsUnresolved(resolved) {
			approved := opts.ApproveWildcards
			if !approved && opts.Prompter != nil {
				if approved, err = opts.Prompter.ApproveWildcard(envName); err != nil {
					return nil, errors.Wrapf(err, "environment variable %q", envName)
				}
			}
			if !approved {
				return nil, errors.Wrapf(ErrWildcardDeclined, "environment variable %q has value %v", envName, resolved)
			}
			log.G(ctx).WithField(logfields.Name, envName).Info("using wildcard rule for environment variable")
			rules = append(rules, EnvRuleConfig{
				Strategy: EnvVarRuleRegex,
				Rule:     envName + "=" + wildcardValue,
				Required: rule.Required,
			})
			continue
		}

		value, ok := docutil.AsString(resolved)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidInput, "environment variable %q: value must be a string, got %T", envName, resolved)
		}
		rule.Rule = envName + "=" + value
		rules = append(rules, rule)
	}
	return rules, nil
}

func buildMounts(props map[string]interface{}, opts BuildOptions) ([]Mount, error) {
	var configs []MountConfig

	if vms, ok := docutil.GetSlice(props, "volumeMounts"); ok {
		r := opts.resolver()
		for i, v := range vms {
			vm, ok := v.(map[string]interface{})
			if !ok {
				return nil, errors.Wrapf(ErrInvalidInput, "volume mount %d is not an object", i)
			}
			volName, ok := docutil.GetString(vm, "name")
			if !ok {
				return nil, errors.Wrapf(ErrMissingField, "volume mount %d: name", i)
			}
			rawPath, ok := docutil.CaseInsensitiveGet(vm, "mountPath")
			if !ok {
				return nil, errors.Wrapf(ErrMissingField, "volume mount %q: mountPath", volName)
			}
			resolvedPath, err := r.Resolve(rawPath, false)
			if err != nil {
				return nil, errors.Wrapf(err, "volume mount %q", volName)
			}
			mountPath, _ := docutil.AsString(resolvedPath)
			mountType, err := volumeType(opts.Volumes, volName)
			if err != nil {
				return nil, err
			}
			readonly, _ := docutil.GetBool(vm, "readOnly")
			configs = append(configs, MountConfig{MountType: mountType, MountPath: mountPath, Readonly: readonly})
		}
	}

	if ms, ok := docutil.GetSlice(props, "mounts"); ok {
		for i, v := range ms {
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, errors.Wrapf(ErrInvalidInput, "mount %d is not an object", i)
			}
			mountType, ok := docutil.GetString(m, "mountType")
			if !ok {
				if mountType, ok = docutil.GetString(m, "type"); !ok {
					return nil, errors.Wrapf(ErrMissingField, "mount %d: mountType", i)
				}
			}
			mountPath, ok := docutil.GetString(m, "mountPath")
			if !ok {
				if mountPath, ok = docutil.GetString(m, "path"); !ok {
					return nil, errors.Wrapf(ErrMissingField, "mount %d: mountPath", i)
				}
			}
			readonly, _ := docutil.GetBool(m, "readonly")
			configs = append(configs, MountConfig{MountType: mountType, MountPath: mountPath, Readonly: readonly})
		}
	}

	mounts := make([]Mount, 0, len(configs))
	for _, c := range configs {
		m, err := c.toMount()
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

// volumeType finds the named volume and returns its kind, which is the one
// key of the volume besides "name".
func volumeType(volumes []interface{}, volName string) (string, error) {
	for _, v := range volumes {
		vol, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if n, _ := docutil.GetString(vol, "name"); !strings.EqualFold(n, volName) {
			continue
		}
		for k := range vol {
			if _, known := mountSources[strings.ToLower(k)]; known {
				return k, nil
			}
		}
		return "", errors.Wrapf(ErrInvalidInput, "volume %q has no supported volume type", volName)
	}
	return "", errors.Wrapf(ErrUnknownVolume, "%q", volName)
}

func (c MountConfig) toMount() (Mount, error) {
	source, ok := mountSources[strings.ToLower(c.MountType)]
	if !ok {
		return Mount{}, errors.Wrapf(ErrInvalidInput, "mount %q: unsupported mount type %q", c.MountPath, c.MountType)
	}
	if c.MountPath == "" {
		return Mount{}, errors.Wrapf(ErrMissingField, "mount of type %q: mountPath", c.MountType)
	}
	access := "rw"
	if c.Readonly {
		access = "ro"
	}
	m := specs.Mount{
		Destination: c.MountPath,
		Source:      source,
		Type:        mountTypeBind,
		Options:     []string{"rbind", "rshared", access},
	}
	return Mount{Destination: m.Destination, Options: m.Options, Source: m.Source, Type: m.Type}, nil
}

func buildExecProcesses(props map[string]interface{}) ([]ExecProcessConfig, error) {
	execs := []ExecProcessConfig{}

	if eps, ok := docutil.GetSlice(props, "execProcesses"); ok {
		for i, e := range eps {
			ep, ok := e.(map[string]interface{})
			if !ok {
				return nil, errors.Wrapf(ErrInvalidInput, "exec process %d is not an object", i)
			}
			raw, ok := docutil.CaseInsensitiveGet(ep, "command")
			if !ok {
				return nil, errors.Wrapf(ErrMissingField, "exec process %d: command", i)
			}
			cmd, err := parseCommand(literalResolver{}, raw)
			if err != nil {
				return nil, errors.Wrapf(err, "exec process %d", i)
			}
			signals := []int{}
			if s, ok := docutil.GetSlice(ep, "signals"); ok {
				if signals, err = intSlice(s); err != nil {
					return nil, errors.Wrapf(ErrInvalidInput, "exec process %d: signals: %s", i, err)
				}
			}
			execs = append(execs, ExecProcessConfig{Command: cmd, Signals: signals})
		}
	}

	for _, probe := range []string{"readinessProbe", "livenessProbe"} {
		p, ok := docutil.GetMap(props, probe)
		if !ok {
			continue
		}
		// only exec probes start processes in the container
		exec, ok := docutil.GetMap(p, "exec")
		if !ok {
			continue
		}
		raw, ok := docutil.GetSlice(exec, "command")
		if !ok {
			return nil, errors.Wrapf(ErrMissingField, "%s: exec command", probe)
		}
		cmd, err := docutil.StringSlice(raw)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidInput, "%s: %s", probe, err)
		}
		execs = append(execs, ExecProcessConfig{Command: cmd, Signals: []int{}})
	}
	return execs, nil
}

func applySecurityContext(img *ContainerImage, sc map[string]interface{}) error {
	if privileged, ok := docutil.GetBool(sc, "privileged"); ok && privileged {
		img.AllowElevated = true
		caps := DefaultPrivilegedCapabilities()
		img.Capabilities = &caps
	}

	if ape, ok := docutil.GetBool(sc, "allowPrivilegeEscalation"); ok {
		img.NoNewPrivileges = !ape
	}

	uid, hasUID := docutil.GetInt(sc, "runAsUser")
	gid, hasGID := docutil.GetInt(sc, "runAsGroup")
	if hasUID || hasGID {
		user := DefaultUserConfig()
		if hasUID {
			user.UserIDName = IDNameConfig{Strategy: IDNameStrategyID, Rule: fmt.Sprint(uid)}
		}
		if hasGID {
			user.GroupIDNames = []IDNameConfig{{Strategy: IDNameStrategyID, Rule: fmt.Sprint(gid)}}
		}
		img.User = &user
	}

	if c, ok := docutil.GetMap(sc, "capabilities"); ok {
		var add, drop []string
		var err error
		if v, ok := docutil.CaseInsensitiveGet(c, "add"); ok {
			if add, err = docutil.StringSlice(v); err != nil {
				return errors.Wrapf(ErrInvalidInput, "capabilities.add: %s", err)
			}
		}
		if v, ok := docutil.CaseInsensitiveGet(c, "drop"); ok {
			if drop, err = docutil.StringSlice(v); err != nil {
				return errors.Wrapf(ErrInvalidInput, "capabilities.drop: %s", err)
			}
		}
		if img.Capabilities == nil {
			caps := DefaultUnprivilegedCapabilities()
			img.Capabilities = &caps
		}
		img.Capabilities.applyCapabilityChanges(add, drop)
	}

	if v, ok := docutil.GetString(sc, "seccompProfile"); ok && v != "" {
		digest, err := MeasureSeccompProfile(v)
		if err != nil {
			return err
		}
		img.SeccompProfileSHA256 = digest
	}
	return nil
}

// MeasureSeccompProfile decodes a base64 encoded seccomp profile and returns
// the hex sha256 of its canonical JSON encoding.
func MeasureSeccompProfile(encoded string) (string, error) {
	raw, err := docutil.DecodeBase64(encoded)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidInput, "seccomp profile: %s", err)
	}
	var profile specs.LinuxSeccomp
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return "", errors.Wrapf(ErrInvalidInput, "seccomp profile: %s", err)
	}
	canonical, err := json.Marshal(&profile)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(canonical)), nil
}

func intSlice(raw []interface{}) ([]int, error) {
	out := make([]int, 0, len(raw))
	for _, r := range raw {
		i, ok := docutil.AsInt(r)
		if !ok {
			return nil, fmt.Errorf("%v is not an integer", r)
		}
		out = append(out, int(i))
	}
	return out, nil
}

// LoadOptions controls how a standalone policy document is read.
type LoadOptions struct {
	ApproveWildcards bool
	Prompter         Prompter
}

// LoadPolicyFromDocument builds the policy described by a standalone
// document with "version", "containers" and optional "fragments".
func LoadPolicyFromDocument(ctx context.Context, doc map[string]interface{}, lopts LoadOptions, opts ...PolicyOpt) (*ACIPolicy, error) {
	if _, ok := docutil.GetString(doc, "version"); !ok {
		return nil, errors.Wrap(ErrMissingField, "version")
	}
	containers, ok := docutil.GetSlice(doc, "containers")
	if !ok {
		return nil, errors.Wrap(ErrMissingField, "containers")
	}

	bopts := BuildOptions{ApproveWildcards: lopts.ApproveWildcards, Prompter: lopts.Prompter}
	images := make([]*ContainerImage, 0, len(containers))
	for i, c := range containers {
		cm, ok := c.(map[string]interface{})
		if !ok {
			return nil, errors.Wrapf(ErrInvalidInput, "container %d is not an object", i)
		}
		img, err := BuildContainerImage(ctx, cm, bopts)
		if err != nil {
			return nil, errors.Wrapf(err, "container %d", i)
		}
		images = append(images, img)
	}

	if raw, ok := docutil.GetSlice(doc, "fragments"); ok {
		fragments, err := ParseFragments(raw)
		if err != nil {
			return nil, err
		}
		opts = append([]PolicyOpt{WithFragments(fragments)}, opts...)
	}
	return NewACIPolicy(images, opts...)
}

// ParseFragments reads fragment references from a document array.
func ParseFragments(raw []interface{}) ([]FragmentConfig, error) {
	fragments := make([]FragmentConfig, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, errors.Wrapf(ErrInvalidInput, "fragment %d is not an object", i)
		}
		f := FragmentConfig{Includes: []string{}}
		f.Feed, _ = docutil.GetString(m, "feed")
		f.Issuer, _ = docutil.GetString(m, "issuer")
		if svn, ok := docutil.GetFirst(m, "minimum_svn", "minimumSvn"); ok {
			f.MinimumSVN, _ = docutil.AsString(svn)
		}
		if inc, ok := docutil.CaseInsensitiveGet(m, "includes"); ok {
			var err error
			if f.Includes, err = docutil.StringSlice(inc); err != nil {
				return nil, errors.Wrapf(ErrInvalidInput, "fragment %d: includes: %s", i, err)
			}
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}
