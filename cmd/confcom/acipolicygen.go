package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/Microsoft/confcom/internal/docutil"
	"github.com/Microsoft/confcom/internal/images"
	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
	"github.com/Microsoft/confcom/internal/progress"
	"github.com/Microsoft/confcom/pkg/armtemplate"
	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

const (
	templateFileFlag        = "template-file"
	parametersFlag          = "parameters"
	inputFlag               = "input"
	tarFlag                 = "tar"
	outRawFlag              = "outraw"
	outRawPrettyFlag        = "outraw-pretty-print"
	printPolicyFlag         = "print-policy"
	saveToFileFlag          = "save-to-file"
	debugModeFlag           = "debug-mode"
	approveWildcardsFlag    = "approve-wildcards"
	disableStdioFlag        = "disable-stdio"
	validateSidecarFlag     = "validate-sidecar"
	diffFlag                = "diff"
	printExistingPolicyFlag = "print-existing-policy"
	dmverityVHDFlag         = "dmverity-vhd"
	usernameFlag            = "username"
	passwordFlag            = "password"
)

func envVar(flag string) []string {
	return []string{"CONFCOM_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))}
}

func imageSourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    tarFlag,
			Usage:   "tar archive holding the images, or a JSON file mapping images to tar archives",
			EnvVars: envVar(tarFlag),
		},
		&cli.StringFlag{
			Name:    usernameFlag,
			Aliases: []string{"u"},
			Usage:   "registry username",
			EnvVars: envVar(usernameFlag),
		},
		&cli.StringFlag{
			Name:    passwordFlag,
			Usage:   "registry password",
			EnvVars: envVar(passwordFlag),
		},
		&cli.StringFlag{
			Name:    dmverityVHDFlag,
			Usage:   "path of the dmverity-vhd tool, used to hash layers as ext4 file systems; without it layers are hashed as tar streams, which do not match the hashes a deployed container group enforces",
			EnvVars: envVar(dmverityVHDFlag),
		},
	}
}

var acipolicygenCommand = &cli.Command{
	Name:  "acipolicygen",
	Usage: "generates the security policy of the container groups in an ARM template or of a policy input file",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    templateFileFlag,
			Aliases: []string{"a"},
			Usage:   "ARM template to generate policies for",
			EnvVars: envVar(templateFileFlag),
		},
		&cli.StringFlag{
			Name:    parametersFlag,
			Aliases: []string{"p"},
			Usage:   "parameters file of the ARM template",
			EnvVars: envVar(parametersFlag),
		},
		&cli.StringFlag{
			Name:    inputFlag,
			Aliases: []string{"i"},
			Usage:   "policy input file (JSON, YAML or TOML) with version and containers",
			EnvVars: envVar(inputFlag),
		},
		&cli.BoolFlag{
			Name:  outRawFlag,
			Usage: "print the policy as compact text instead of injecting it",
		},
		&cli.BoolFlag{
			Name:  outRawPrettyFlag,
			Usage: "print the policy with indented containers instead of injecting it",
		},
		&cli.BoolFlag{
			Name:  printPolicyFlag,
			Usage: "print the base64 policy instead of injecting it",
		},
		&cli.StringFlag{
			Name:  saveToFileFlag,
			Usage: "write the policy to this file instead of injecting it",
		},
		&cli.BoolFlag{
			Name:  debugModeFlag,
			Usage: "allow a shell, stdio access, dumping stacks and logging",
		},
		&cli.BoolFlag{
			Name:    approveWildcardsFlag,
			Aliases: []string{"y"},
			Usage:   "allow any value for environment variables that have no value, without asking",
		},
		&cli.BoolFlag{
			Name:  disableStdioFlag,
			Usage: "deny stdio access to every container",
		},
		&cli.BoolFlag{
			Name:    validateSidecarFlag,
			Aliases: []string{"v"},
			Usage:   "check that the sidecar containers of the input match their images",
		},
		&cli.BoolFlag{
			Name:    diffFlag,
			Aliases: []string{"d"},
			Usage:   "compare the policies stored in the template with the generated ones",
		},
		&cli.BoolFlag{
			Name:  printExistingPolicyFlag,
			Usage: "print the policies stored in the template",
		},
	}, imageSourceFlags()...),
	Action: func(c *cli.Context) error {
		ctx := c.Context
		template, input := c.String(templateFileFlag), c.String(inputFlag)
		if (template == "") == (input == "") {
			return errors.Wrapf(sp.ErrInvalidInput, "exactly one of --%s and --%s is required", templateFileFlag, inputFlag)
		}
		if c.String(parametersFlag) != "" && template == "" {
			return errors.Wrapf(sp.ErrInvalidInput, "--%s requires --%s", parametersFlag, templateFileFlag)
		}

		opts := []sp.PolicyOpt{
			sp.WithDebugMode(c.Bool(debugModeFlag)),
			sp.WithDisableStdio(c.Bool(disableStdioFlag)),
			sp.WithProgress(progress.New(c.App.ErrWriter)),
		}
		prompter := sp.NewPrompter(c.App.Reader, c.App.ErrWriter)

		if input != "" {
			if c.Bool(diffFlag) || c.Bool(printExistingPolicyFlag) {
				return errors.Wrapf(sp.ErrInvalidInput, "--%s and --%s need an ARM template", diffFlag, printExistingPolicyFlag)
			}
			p, err := policyFromInput(ctx, input, sp.LoadOptions{
				ApproveWildcards: c.Bool(approveWildcardsFlag),
				Prompter:         prompter,
			}, opts...)
			if err != nil {
				return err
			}
			return generate(c, []*sp.ACIPolicy{p}, nil, nil)
		}

		tmpl, err := armtemplate.Load(template, c.String(parametersFlag))
		if err != nil {
			return err
		}
		groups, err := tmpl.ContainerGroups(ctx)
		if err != nil {
			return err
		}

		if c.Bool(printExistingPolicyFlag) {
			return printExistingPolicies(ctx, c.App.Writer, groups)
		}

		policies := make([]*sp.ACIPolicy, 0, len(groups))
		for _, g := range groups {
			p, err := g.Policy(ctx, armtemplate.BuildOptions{
				ApproveWildcards: c.Bool(approveWildcardsFlag),
				Prompter:         prompter,
			}, opts...)
			if err != nil {
				return err
			}
			policies = append(policies, p)
		}
		return generate(c, policies, tmpl, groups)
	},
}

func policyFromInput(ctx context.Context, path string, lopts sp.LoadOptions, opts ...sp.PolicyOpt) (*sp.ACIPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read input file")
	}
	doc, err := docutil.Decode(data, docutil.FormatFromPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "input file %s", path)
	}
	return sp.LoadPolicyFromDocument(ctx, doc, lopts, opts...)
}

func newFetcher(c *cli.Context) (*images.Fetcher, error) {
	opts := []images.FetcherOpt{
		images.WithTar(c.String(tarFlag)),
		images.WithBasicAuth(c.String(usernameFlag), c.String(passwordFlag)),
	}
	if tool := c.String(dmverityVHDFlag); tool != "" {
		opts = append(opts, images.WithLayerHasher(&images.ExecHasher{
			Path:     tool,
			Username: c.String(usernameFlag),
			Password: c.String(passwordFlag),
			Fallback: images.MerkleHasher{},
		}))
	}
	return images.NewFetcher(opts...)
}

// generate back-fills the policies from their images and then validates,
// prints or injects them as the flags ask. groups is nil for input files.
func generate(c *cli.Context, policies []*sp.ACIPolicy, tmpl *armtemplate.Template, groups []*armtemplate.ContainerGroup) error {
	ctx := c.Context
	fetcher, err := newFetcher(c)
	if err != nil {
		return err
	}

	for _, p := range policies {
		if err := p.PopulatePolicyContentForAllImages(ctx, fetcher); err != nil {
			return err
		}
	}

	switch {
	case c.Bool(validateSidecarFlag):
		return validateSidecars(c, policies, fetcher)
	case c.Bool(diffFlag):
		return diffPolicies(c, policies, groups)
	}

	outputType, printed := sp.OutputDefault, false
	switch {
	case c.Bool(outRawPrettyFlag):
		outputType, printed = sp.OutputPretty, true
	case c.Bool(outRawFlag):
		outputType, printed = sp.OutputRaw, true
	case c.Bool(printPolicyFlag), c.String(saveToFileFlag) != "", tmpl == nil:
		printed = true
	}

	for i, p := range policies {
		out, err := p.GetSerializedOutput(outputType, true)
		if err != nil {
			return err
		}
		if !printed {
			groups[i].InjectPolicy(out)
			rego, err := p.GetSerializedOutput(sp.OutputRaw, true)
			if err != nil {
				return err
			}
			log.G(ctx).WithField(logfields.Group, groups[i].Name).Info("injected policy into template")
			fmt.Fprintln(c.App.Writer, sp.PolicyDigest(rego))
			continue
		}
		if path := c.String(saveToFileFlag); path != "" {
			if len(policies) > 1 {
				path = groupPolicyPath(path, groups[i].Name)
			}
			if !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
				return errors.Wrap(err, "unable to write policy")
			}
			log.G(ctx).WithField(logfields.Path, path).Info("saved policy")
			continue
		}
		fmt.Fprintln(c.App.Writer, out)
	}

	if !printed {
		return tmpl.Save(c.String(templateFileFlag))
	}
	return nil
}

// groupPolicyPath names the policy file of one of several container groups
// by inserting the group name before the extension of path.
func groupPolicyPath(path, group string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + group + ext
}

func validateSidecars(c *cli.Context, policies []*sp.ACIPolicy, r sp.ImageResolver) error {
	var result sp.ValidationResult
	for _, p := range policies {
		_, res, err := p.ValidateSidecars(c.Context, r)
		if err != nil {
			return err
		}
		result.Differences = append(result.Differences, res.Differences...)
	}
	return reportResult(c, result, "sidecar validation passed")
}

func diffPolicies(c *cli.Context, policies []*sp.ACIPolicy, groups []*armtemplate.ContainerGroup) error {
	var result sp.ValidationResult
	for i, p := range policies {
		if p.ExistingContainers() == nil {
			return errors.Wrapf(sp.ErrMissingField, "container group %q has no existing policy to compare with", groups[i].Name)
		}
		_, containers := p.Validate(p.ExistingContainers(), false)
		_, fragments := p.CompareFragments(p.ExistingFragments())
		log.G(c.Context).WithFields(logrus.Fields{
			logfields.Group: groups[i].Name,
			"differences":   len(containers.Differences) + len(fragments.Differences),
		}).Debug("compared with existing policy")
		result.Differences = append(result.Differences, containers.Differences...)
		result.Differences = append(result.Differences, fragments.Differences...)
	}
	return reportResult(c, result, "existing policies match the template")
}

// reportResult prints the differences of a comparison and turns a mismatch
// into exit code 2.
func reportResult(c *cli.Context, result sp.ValidationResult, okMessage string) error {
	if result.IsValid() {
		fmt.Fprintln(c.App.Writer, okMessage)
		return nil
	}
	out, err := docutil.MarshalPretty(result.Reasons())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, out)
	return cli.Exit("", exitMismatch)
}

func printExistingPolicies(ctx context.Context, w io.Writer, groups []*armtemplate.ContainerGroup) error {
	for _, g := range groups {
		existing, err := g.ExistingPolicy(ctx)
		if err != nil {
			return err
		}
		if existing == nil {
			log.G(ctx).WithField(logfields.Group, g.Name).Warn("container group has no existing policy")
			continue
		}
		containers := make([]interface{}, 0, len(existing.Containers))
		for _, img := range existing.Containers {
			containers = append(containers, img.ToCanonicalForm())
		}
		out, err := docutil.MarshalPretty(containers)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	}
	return nil
}
