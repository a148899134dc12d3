// Package armtemplate reads Azure Resource Manager templates that deploy
// container groups, builds a security policy for each group and writes the
// generated policies back into the template.
package armtemplate

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/docutil"
	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

const (
	containerGroupType = "Microsoft.ContainerInstance/containerGroups"
	confidentialSKU    = "Confidential"
)

// Template is a parsed ARM template.
type Template struct {
	doc      map[string]interface{}
	resolver *Resolver
}

// Load reads a template and, when parametersPath isn't empty, the parameters
// file supplying its parameter values.
func Load(path, parametersPath string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read template")
	}
	doc, err := docutil.Decode(data, docutil.FormatFromPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", path)
	}

	var values map[string]interface{}
	if parametersPath != "" {
		if values, err = LoadParameters(parametersPath); err != nil {
			return nil, err
		}
	}
	return New(doc, values)
}

// LoadParameters reads the parameters section of a parameters file.
func LoadParameters(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read parameters file")
	}
	doc, err := docutil.Decode(data, docutil.FormatFromPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "parameters file %s", path)
	}
	params, ok := docutil.GetMap(doc, "parameters")
	if !ok {
		return nil, errors.Wrapf(sp.ErrMissingField, "parameters file %s: parameters", path)
	}
	return params, nil
}

// New wraps a decoded template document.
func New(doc map[string]interface{}, parameterValues map[string]interface{}) (*Template, error) {
	if _, ok := docutil.GetSlice(doc, "resources"); !ok {
		return nil, errors.Wrap(sp.ErrMissingField, "template: resources")
	}
	params, _ := docutil.GetMap(doc, "parameters")
	vars, _ := docutil.GetMap(doc, "variables")
	return &Template{
		doc:      doc,
		resolver: NewResolver(params, vars, parameterValues),
	}, nil
}

// Resolver returns the parameter resolver of the template.
func (t *Template) Resolver() *Resolver {
	return t.resolver
}

// ContainerGroup is one container group resource of a template.
type ContainerGroup struct {
	Name       string
	Containers []map[string]interface{}
	Volumes    []interface{}

	properties map[string]interface{}
	resolver   *Resolver
}

// ContainerGroups returns the container group resources of the template in
// declaration order.
func (t *Template) ContainerGroups(ctx context.Context) ([]*ContainerGroup, error) {
	resources, _ := docutil.GetSlice(t.doc, "resources")

	var groups []*ContainerGroup
	for i, res := range resources {
		r, ok := res.(map[string]interface{})
		if !ok {
			return nil, errors.Wrapf(sp.ErrInvalidInput, "resource %d is not an object", i)
		}
		if typ, _ := docutil.GetString(r, "type"); !strings.EqualFold(typ, containerGroupType) {
			continue
		}

		props, ok := docutil.GetMap(r, "properties")
		if !ok {
			return nil, errors.Wrapf(sp.ErrMissingField, "resource %d: properties", i)
		}

		g := &ContainerGroup{properties: props, resolver: t.resolver}
		if rawName, ok := docutil.CaseInsensitiveGet(r, "name"); ok {
			resolved, err := t.resolver.Resolve(rawName, true)
			if err != nil {
				return nil, err
			}
			g.Name, _ = docutil.AsString(resolved)
		}
		gctx := log.UpdateContext(ctx, map[string]interface{}{logfields.Group: g.Name})

		if sku, ok := docutil.GetString(props, "sku"); !ok || !strings.EqualFold(sku, confidentialSKU) {
			log.G(gctx).WithField("sku", sku).Warn("container group is not deployed with the Confidential sku")
		}

		containers, ok := docutil.GetSlice(props, "containers")
		if !ok {
			return nil, errors.Wrapf(sp.ErrMissingField, "container group %q: containers", g.Name)
		}
		initContainers, _ := docutil.GetSlice(props, "initContainers")
		for j, c := range append(append([]interface{}{}, initContainers...), containers...) {
			cm, ok := c.(map[string]interface{})
			if !ok {
				return nil, errors.Wrapf(sp.ErrInvalidInput, "container group %q: container %d is not an object", g.Name, j)
			}
			g.Containers = append(g.Containers, cm)
		}
		g.Volumes, _ = docutil.GetSlice(props, "volumes")

		log.G(gctx).WithField("containers", len(g.Containers)).Debug("found container group")
		groups = append(groups, g)
	}

	if len(groups) == 0 {
		return nil, errors.Wrap(sp.ErrMissingField, "template has no container group resources")
	}
	return groups, nil
}

// BuildOptions controls how the containers of a group are read.
type BuildOptions struct {
	ApproveWildcards bool
	Prompter         sp.Prompter
}

// Policy builds the security policy of the group. The policy currently
// stored in the group, if any, is attached for comparison.
func (g *ContainerGroup) Policy(ctx context.Context, bopts BuildOptions, opts ...sp.PolicyOpt) (*sp.ACIPolicy, error) {
	ctx = log.UpdateContext(ctx, map[string]interface{}{logfields.Group: g.Name})

	images := make([]*sp.ContainerImage, 0, len(g.Containers))
	for _, c := range g.Containers {
		img, err := sp.BuildContainerImage(ctx, c, sp.BuildOptions{
			Resolver:         g.resolver,
			Volumes:          g.Volumes,
			ApproveWildcards: bopts.ApproveWildcards,
			Prompter:         bopts.Prompter,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "container group %q", g.Name)
		}
		images = append(images, img)
	}

	existing, err := g.ExistingPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		opts = append([]sp.PolicyOpt{sp.WithExistingPolicy(existing)}, opts...)
	}
	return sp.NewACIPolicy(images, opts...)
}

// ExistingPolicy returns the policy stored in the ccePolicy property of the
// group, or nil when there is none.
func (g *ContainerGroup) ExistingPolicy(ctx context.Context) (*sp.ExistingPolicy, error) {
	ccp, ok := docutil.GetMap(g.properties, "confidentialComputeProperties")
	if !ok {
		return nil, nil
	}
	raw, ok := docutil.CaseInsensitiveGet(ccp, "ccePolicy")
	if !ok {
		return nil, nil
	}
	resolved, err := g.resolver.Resolve(raw, true)
	if err != nil {
		return nil, err
	}
	policy, _ := docutil.AsString(resolved)
	if policy == "" || g.resolver.IsUnresolved(policy) {
		return nil, nil
	}

	existing, err := sp.LoadExistingPolicy(ctx, policy)
	if err != nil {
		return nil, errors.Wrapf(err, "container group %q", g.Name)
	}
	return existing, nil
}

// InjectPolicy stores an encoded policy in the ccePolicy property of the
// group.
func (g *ContainerGroup) InjectPolicy(policy string) {
	ccp, ok := docutil.GetMap(g.properties, "confidentialComputeProperties")
	if !ok {
		ccp = map[string]interface{}{}
		g.properties["confidentialComputeProperties"] = ccp
	}
	for k := range ccp {
		if strings.EqualFold(k, "ccePolicy") {
			delete(ccp, k)
		}
	}
	ccp["ccePolicy"] = policy
}

// Marshal returns the template as indented JSON.
func (t *Template) Marshal() ([]byte, error) {
	out, err := docutil.MarshalPretty(t.doc)
	if err != nil {
		return nil, err
	}
	return []byte(out + "\n"), nil
}

// Save writes the template as indented JSON to path.
func (t *Template) Save(path string) error {
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "unable to write template")
	}
	return nil
}
