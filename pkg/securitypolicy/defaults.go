package securitypolicy

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/samber/lo"
)

const (
	// SupportedOS and SupportedArchitecture are the only platform confidential
	// container groups run on.
	SupportedOS           = "linux"
	SupportedArchitecture = "amd64"

	// defaultUmask is the default umask for containers in docker
	defaultUmask = "0022"

	mountTypeBind = "bind"

	sandboxMountPrefix = "sandbox:///tmp/atlas"

	// debugShell is the exec process injected into every container when a
	// policy is generated in debug mode.
	debugShell = "/bin/sh"
)

// Volume types a mount may reference and the sandbox path their contents are
// staged under.
var mountSources = map[string]string{
	"azurefile": sandboxMountPrefix + "/azureFileVolume/.+",
	"emptydir":  sandboxMountPrefix + "/emptydir/.+",
	"secret":    sandboxMountPrefix + "/secretsVolume/.+",
	"gitrepo":   sandboxMountPrefix + "/gitRepoVolume/.+",
}

// SidecarImages lists the repositories of infrastructure containers that are
// injected into container groups and validated against their images rather
// than against a user declared policy.
var SidecarImages = []string{
	"mcr.microsoft.com/aci/msi-atlas-adapter",
	"mcr.microsoft.com/aci/atlas-mount-azure-file-volume",
	"mcr.microsoft.com/aci/skr",
	"mcr.microsoft.com/aci/encfs",
}

// IsSidecar reports whether image refers to one of SidecarImages, ignoring
// tag and digest.
func IsSidecar(image string) bool {
	repo := image
	if ref, err := name.ParseReference(image); err == nil {
		repo = ref.Context().Name()
	}
	return lo.ContainsBy(SidecarImages, func(s string) bool {
		if strings.EqualFold(s, repo) {
			return true
		}
		r, err := name.NewRepository(s)
		return err == nil && strings.EqualFold(r.Name(), repo)
	})
}

// DefaultEnvRules are added to every workload container: variables the
// platform sets at runtime whose values cannot be known at generation time.
func DefaultEnvRules() []EnvRuleConfig {
	names := []string{
		"((?i)FABRIC)_.+",
		"HOSTNAME",
		"T(E)?MP",
		"FabricPackageFileName",
		"HostedServiceName",
		"IDENTITY_API_VERSION",
		"IDENTITY_HEADER",
		"IDENTITY_SERVER_THUMBPRINT",
		"azurecontainerinstance_restarted_by",
	}
	return lo.Map(names, func(n string, _ int) EnvRuleConfig {
		return EnvRuleConfig{Strategy: EnvVarRuleRegex, Rule: n + "=.+", Required: false}
	})
}

// DefaultMounts are added to every workload container.
func DefaultMounts() []Mount {
	return []Mount{
		{
			Destination: "/etc/resolv.conf",
			Options:     []string{"rbind", "rshared", "rw"},
			Source:      sandboxMountPrefix + "/resolvconf/.+",
			Type:        mountTypeBind,
		},
	}
}

// DefaultUserConfig allows any user and group.
func DefaultUserConfig() UserConfig {
	return UserConfig{
		UserIDName:   IDNameConfig{Strategy: IDNameStrategyAny},
		GroupIDNames: []IDNameConfig{{Strategy: IDNameStrategyAny}},
		Umask:        defaultUmask,
	}
}

var defaultUnprivilegedCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FSETID",
	"CAP_FOWNER",
	"CAP_MKNOD",
	"CAP_NET_RAW",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETFCAP",
	"CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE",
	"CAP_SYS_CHROOT",
	"CAP_KILL",
	"CAP_AUDIT_WRITE",
}

var allCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_DAC_READ_SEARCH",
	"CAP_FOWNER",
	"CAP_FSETID",
	"CAP_KILL",
	"CAP_SETGID",
	"CAP_SETUID",
	"CAP_SETPCAP",
	"CAP_LINUX_IMMUTABLE",
	"CAP_NET_BIND_SERVICE",
	"CAP_NET_BROADCAST",
	"CAP_NET_ADMIN",
	"CAP_NET_RAW",
	"CAP_IPC_LOCK",
	"CAP_IPC_OWNER",
	"CAP_SYS_MODULE",
	"CAP_SYS_RAWIO",
	"CAP_SYS_CHROOT",
	"CAP_SYS_PTRACE",
	"CAP_SYS_PACCT",
	"CAP_SYS_ADMIN",
	"CAP_SYS_BOOT",
	"CAP_SYS_NICE",
	"CAP_SYS_RESOURCE",
	"CAP_SYS_TIME",
	"CAP_SYS_TTY_CONFIG",
	"CAP_MKNOD",
	"CAP_LEASE",
	"CAP_AUDIT_WRITE",
	"CAP_AUDIT_CONTROL",
	"CAP_SETFCAP",
	"CAP_MAC_OVERRIDE",
	"CAP_MAC_ADMIN",
	"CAP_SYSLOG",
	"CAP_WAKE_ALARM",
	"CAP_BLOCK_SUSPEND",
	"CAP_AUDIT_READ",
	"CAP_PERFMON",
	"CAP_BPF",
	"CAP_CHECKPOINT_RESTORE",
}

// DefaultUnprivilegedCapabilities returns the capability sets of a container
// without a security context.
func DefaultUnprivilegedCapabilities() CapabilitiesConfig {
	return CapabilitiesConfig{
		Bounding:    append([]string(nil), defaultUnprivilegedCapabilities...),
		Effective:   append([]string(nil), defaultUnprivilegedCapabilities...),
		Inheritable: []string{},
		Permitted:   append([]string(nil), defaultUnprivilegedCapabilities...),
		Ambient:     []string{},
	}
}

// DefaultPrivilegedCapabilities returns the capability sets of a privileged
// container.
func DefaultPrivilegedCapabilities() CapabilitiesConfig {
	return CapabilitiesConfig{
		Bounding:    append([]string(nil), allCapabilities...),
		Effective:   append([]string(nil), allCapabilities...),
		Inheritable: append([]string(nil), allCapabilities...),
		Permitted:   append([]string(nil), allCapabilities...),
		Ambient:     []string{},
	}
}

// normalizeCapability turns "net_admin" into "CAP_NET_ADMIN".
func normalizeCapability(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if !strings.HasPrefix(c, "CAP_") {
		c = "CAP_" + c
	}
	return c
}

// applyCapabilityChanges adds to the bounding, effective and permitted sets
// and drops from every set.
func (c *CapabilitiesConfig) applyCapabilityChanges(add, drop []string) {
	add = lo.Map(add, func(s string, _ int) string { return normalizeCapability(s) })
	drop = lo.Map(drop, func(s string, _ int) string { return normalizeCapability(s) })

	grow := func(set []string) []string {
		return lo.Uniq(append(set, add...))
	}
	shrink := func(set []string) []string {
		return lo.Filter(set, func(s string, _ int) bool { return !lo.Contains(drop, s) })
	}

	c.Bounding = shrink(grow(c.Bounding))
	c.Effective = shrink(grow(c.Effective))
	c.Permitted = shrink(grow(c.Permitted))
	c.Inheritable = shrink(c.Inheritable)
	c.Ambient = shrink(c.Ambient)
}

// PolicyFlags are the policy wide switches of a customer policy.
type PolicyFlags struct {
	AllowPropertiesAccess            bool
	AllowDumpStacks                  bool
	AllowRuntimeLogging              bool
	AllowEnvironmentVariableDropping bool
	AllowUnencryptedScratch          bool
	AllowCapabilityDropping          bool
}

// DefaultPolicyFlags is the locked down posture used unless debug mode is
// requested.
func DefaultPolicyFlags() PolicyFlags {
	return PolicyFlags{
		AllowEnvironmentVariableDropping: true,
		AllowCapabilityDropping:          true,
	}
}

// DebugPolicyFlags additionally allows reading container properties, dumping
// stacks and runtime logging.
func DebugPolicyFlags() PolicyFlags {
	f := DefaultPolicyFlags()
	f.AllowPropertiesAccess = true
	f.AllowDumpStacks = true
	f.AllowRuntimeLogging = true
	return f
}
