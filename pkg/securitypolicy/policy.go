package securitypolicy

import (
	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ACIPolicy is the security policy of one container group.
type ACIPolicy struct {
	images    []*ContainerImage
	fragments []FragmentConfig
	flags     PolicyFlags

	// policy found in the input, e.g. the ccePolicy of an ARM template, that
	// newly generated content is compared against
	existingContainers []*ContainerImage
	existingFragments  []FragmentConfig

	debugMode    bool
	disableStdio bool
	progress     ProgressReporter
}

// PolicyOpt configures an ACIPolicy.
type PolicyOpt func(p *ACIPolicy) error

// WithDebugMode relaxes the policy flags and allows a shell to be exec'd in
// every container.
func WithDebugMode(debug bool) PolicyOpt {
	return func(p *ACIPolicy) error {
		p.debugMode = debug
		if debug {
			p.flags = DebugPolicyFlags()
		}
		return nil
	}
}

// WithDisableStdio removes stdio access from every container.
func WithDisableStdio(disable bool) PolicyOpt {
	return func(p *ACIPolicy) error {
		p.disableStdio = disable
		return nil
	}
}

// WithFragments adds fragment references to the policy.
func WithFragments(fragments []FragmentConfig) PolicyOpt {
	return func(p *ACIPolicy) error {
		for _, f := range fragments {
			if err := validateFragment(f); err != nil {
				return err
			}
		}
		p.fragments = append(p.fragments, fragments...)
		return nil
	}
}

// WithPolicyFlags overrides the policy flags.
func WithPolicyFlags(flags PolicyFlags) PolicyOpt {
	return func(p *ACIPolicy) error {
		p.flags = flags
		return nil
	}
}

// WithExistingPolicy records a previously generated policy for comparison.
func WithExistingPolicy(existing *ExistingPolicy) PolicyOpt {
	return func(p *ACIPolicy) error {
		if existing != nil {
			p.existingContainers = existing.Containers
			p.existingFragments = existing.Fragments
		}
		return nil
	}
}

// WithProgress reports image population progress to r.
func WithProgress(r ProgressReporter) PolicyOpt {
	return func(p *ACIPolicy) error {
		p.progress = r
		return nil
	}
}

// NewACIPolicy creates the policy for the given containers.
func NewACIPolicy(images []*ContainerImage, opts ...PolicyOpt) (*ACIPolicy, error) {
	p := &ACIPolicy{
		images:   images,
		flags:    DefaultPolicyFlags(),
		progress: nopProgress{},
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}

	for _, img := range p.images {
		if err := validateEnvRules(img.EnvRules); err != nil {
			return nil, errors.Wrapf(err, "container %q", img.ID)
		}
		if p.disableStdio {
			img.AllowStdioAccess = false
		}
		if p.debugMode && !lo.ContainsBy(img.ExecProcesses, isDebugShell) {
			img.ExecProcesses = append(img.ExecProcesses, ExecProcessConfig{
				Command: []string{debugShell},
				Signals: []int{},
			})
		}
	}
	return p, nil
}

func isDebugShell(e ExecProcessConfig) bool {
	return len(e.Command) == 1 && e.Command[0] == debugShell
}

func validateFragment(f FragmentConfig) error {
	if f.Feed == "" {
		return errors.Wrap(ErrMissingField, "fragment feed")
	}
	if f.Issuer == "" {
		return errors.Wrapf(ErrMissingField, "fragment %q: issuer", f.Feed)
	}
	if _, err := semver.ParseTolerant(f.MinimumSVN); err != nil {
		return errors.Wrapf(ErrInvalidInput, "fragment %q: minimum_svn %q: %s", f.Feed, f.MinimumSVN, err)
	}
	return nil
}

// Images returns the containers of the policy in declaration order.
func (p *ACIPolicy) Images() []*ContainerImage {
	return p.images
}

// Fragments returns the fragment references of the policy.
func (p *ACIPolicy) Fragments() []FragmentConfig {
	return p.fragments
}

// Flags returns the policy wide switches.
func (p *ACIPolicy) Flags() PolicyFlags {
	return p.flags
}

// ExistingContainers returns the containers of the policy found in the input,
// if any.
func (p *ACIPolicy) ExistingContainers() []*ContainerImage {
	return p.existingContainers
}

// ExistingFragments returns the fragments of the policy found in the input.
func (p *ACIPolicy) ExistingFragments() []FragmentConfig {
	return p.existingFragments
}

// IsSidecarOnly reports whether every container of the policy is a sidecar.
// A policy without containers is not a sidecar policy.
func (p *ACIPolicy) IsSidecarOnly() bool {
	return len(p.images) > 0 && lo.EveryBy(p.images, func(c *ContainerImage) bool {
		return IsSidecar(c.ID)
	})
}

func (p *ACIPolicy) sidecarImages() []*ContainerImage {
	return lo.Filter(p.images, func(c *ContainerImage, _ int) bool {
		return IsSidecar(c.ID)
	})
}

func (p *ACIPolicy) ToCanonicalForm() interface{} {
	containers := make([]interface{}, 0, len(p.images))
	for _, c := range p.images {
		containers = append(containers, c.ToCanonicalForm())
	}
	return containers
}

func (p *ACIPolicy) fragmentsCanonicalForm() []interface{} {
	fragments := make([]interface{}, 0, len(p.fragments))
	for _, f := range p.fragments {
		fragments = append(fragments, f.ToCanonicalForm())
	}
	return fragments
}
