package securitypolicy

import (
	"context"
	"strconv"
	"strings"

	"github.com/containerd/platforms"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
)

// ImageConfig is the runtime metadata of an image that a policy is
// back-filled from.
type ImageConfig struct {
	OS           string
	Architecture string
	Variant      string

	WorkingDir string
	Entrypoint []string
	Cmd        []string
	// Env holds "NAME=VALUE" entries.
	Env        []string
	User       string
	StopSignal string
}

//go:generate go tool mockgen -destination mock/mock.go -package mock github.com/Microsoft/confcom/pkg/securitypolicy ImageResolver,ProgressReporter

// ImageResolver gives access to image metadata and layer hashes.
//
// Inspect is always called before LayerHashes for the same image.
type ImageResolver interface {
	Inspect(ctx context.Context, image string) (*ImageConfig, error)
	LayerHashes(ctx context.Context, image string) ([]string, error)
}

// ProgressReporter receives the progress of PopulatePolicyContentForAllImages.
// Start is called once with the total number of units, Step once per
// finished unit and Done when population ends, successfully or not.
type ProgressReporter interface {
	Start(total int)
	Step(description string)
	Done()
}

type nopProgress struct{}

func (nopProgress) Start(int)   {}
func (nopProgress) Step(string) {}
func (nopProgress) Done()       {}

// unitsPerImage is metadata fetch plus layer hashing.
const unitsPerImage = 2

var supportedPlatform = platforms.OnlyStrict(ocispec.Platform{
	OS:           SupportedOS,
	Architecture: SupportedArchitecture,
})

// CheckPlatform fails with ErrUnsupportedArchitecture unless the image is
// built for the one platform confidential container groups support.
func CheckPlatform(cfg *ImageConfig) error {
	p := ocispec.Platform{OS: cfg.OS, Architecture: cfg.Architecture, Variant: cfg.Variant}
	if p.OS == "" {
		p.OS = SupportedOS
	}
	if !supportedPlatform.Match(platforms.Normalize(p)) {
		return errors.Wrapf(ErrUnsupportedArchitecture, "%s, only %s/%s images are supported",
			platforms.Format(p), SupportedOS, SupportedArchitecture)
	}
	return nil
}

type imageContent struct {
	config *ImageConfig
	layers []string
}

// PopulatePolicyContentForAllImages fetches the metadata and layer hashes of
// every image and back-fills the containers with them. Values declared by
// the user are kept. Nothing is changed unless every image resolves.
func (p *ACIPolicy) PopulatePolicyContentForAllImages(ctx context.Context, r ImageResolver) error {
	p.progress.Start(unitsPerImage * len(p.images))
	defer p.progress.Done()

	contents := make([]imageContent, len(p.images))
	for i, img := range p.images {
		ictx := log.UpdateContext(ctx, map[string]interface{}{logfields.Image: img.ID})

		cfg, err := r.Inspect(ictx, img.ID)
		if err != nil {
			return errors.Wrapf(err, "image %q", img.ID)
		}
		// hashing layers of an image that can't run is wasted work
		if err := CheckPlatform(cfg); err != nil {
			return errors.Wrapf(err, "image %q", img.ID)
		}
		p.progress.Step("fetched metadata for " + img.ID)

		layers, err := r.LayerHashes(ictx, img.ID)
		if err != nil {
			return errors.Wrapf(err, "image %q", img.ID)
		}
		p.progress.Step("hashed layers of " + img.ID)

		log.G(ictx).WithField(logfields.LayerCount, len(layers)).Debug("resolved image")
		contents[i] = imageContent{config: cfg, layers: layers}
	}

	for i, img := range p.images {
		img.applyImageConfig(contents[i].config, contents[i].layers)
	}
	return nil
}

func (c *ContainerImage) applyImageConfig(cfg *ImageConfig, layers []string) {
	c.Layers = append([]string{}, layers...)

	if c.WorkingDir == "" {
		c.WorkingDir = cfg.WorkingDir
		if c.WorkingDir == "" {
			c.WorkingDir = "/"
		}
	}

	if len(c.Command) == 0 {
		c.Command = append(append([]string{}, cfg.Entrypoint...), cfg.Cmd...)
	}

	declared := lo.SliceToMap(c.EnvRules, func(e EnvRuleConfig) (string, struct{}) {
		return e.Name(), struct{}{}
	})
	for _, env := range cfg.Env {
		envName, _, _ := strings.Cut(env, "=")
		if _, ok := declared[envName]; ok {
			continue
		}
		declared[envName] = struct{}{}
		c.EnvRules = append(c.EnvRules, EnvRuleConfig{
			Strategy: EnvVarRuleString,
			Rule:     env,
			Required: false,
		})
	}

	if c.Signals == nil {
		c.Signals = []int{}
		if cfg.StopSignal != "" {
			if sig, ok := parseSignal(cfg.StopSignal); ok {
				c.Signals = append(c.Signals, sig)
			}
		}
	}

	if c.User == nil {
		u := ParseUser(cfg.User)
		c.User = &u
	}
}

// ParseUser turns the USER directive of an image ("user", "user:group",
// "uid", "uid:gid", "user:gid" or "uid:group") into a user config. Numbers
// are taken as ids and anything else as names. An empty string allows any
// user.
func ParseUser(user string) UserConfig {
	cfg := DefaultUserConfig()
	if user == "" {
		return cfg
	}

	userPart, groupPart, hasGroup := strings.Cut(user, ":")
	cfg.UserIDName = idNameFor(userPart)
	if hasGroup {
		cfg.GroupIDNames = []IDNameConfig{idNameFor(groupPart)}
	}
	return cfg
}

func idNameFor(s string) IDNameConfig {
	if _, err := strconv.ParseUint(s, 10, 32); err == nil {
		return IDNameConfig{Strategy: IDNameStrategyID, Rule: s}
	}
	return IDNameConfig{Strategy: IDNameStrategyName, Rule: s}
}
