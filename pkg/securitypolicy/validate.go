package securitypolicy

import (
	"context"
	"regexp"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Microsoft/confcom/internal/log"
)

// fields left out of the structural comparison: id is the match key and
// env_rules are compared with CompareEnvVars
var ignoredFields = []string{"id", "env_rules"}

// Validate tests the containers of p against the containers of an existing
// policy, matched by id. With sidecarValidation, values that only the
// existing policy has are accepted: a sidecar may allow more than its image
// needs. The result is valid iff no differences were found.
func (p *ACIPolicy) Validate(existing []*ContainerImage, sidecarValidation bool) (bool, ValidationResult) {
	byID := make(map[string]*ContainerImage, len(existing))
	for _, c := range existing {
		if _, ok := byID[c.ID]; !ok {
			byID[c.ID] = c
		}
	}

	var diffs []Difference
	for _, tested := range p.images {
		policy, ok := byID[tested.ID]
		if !ok {
			diffs = append(diffs, Difference{Kind: DiffNotFound, ContainerID: tested.ID, Field: "id"})
			continue
		}

		var containerDiffs []Difference
		diffCanonical(tested.ID, "", "", comparableForm(tested), comparableForm(policy), &containerDiffs)
		if sidecarValidation {
			containerDiffs = lo.Reject(containerDiffs, func(d Difference, _ int) bool {
				return d.Kind == DiffRemoved
			})
		}
		diffs = append(diffs, containerDiffs...)
		diffs = append(diffs, CompareEnvVars(tested.ID, tested.EnvRules, policy.EnvRules)...)
	}

	result := ValidationResult{Differences: diffs}
	return result.IsValid(), result
}

func comparableForm(c *ContainerImage) map[string]interface{} {
	m := c.ToCanonicalForm().(map[string]interface{})
	for _, f := range ignoredFields {
		delete(m, f)
	}
	return m
}

// CompareEnvVars checks every environment rule of a tested container against
// the rules of the policy. A string rule must equal a string rule of the
// policy or fully match one of its re2 rules. A re2 rule must appear
// verbatim among the re2 rules of the policy; regular expressions are not
// compared for equivalence.
func CompareEnvVars(id string, tested, policy []EnvRuleConfig) []Difference {
	var (
		policyStrings = map[string]struct{}{}
		policyRegexes = map[string]struct{}{}
		compiled      []*regexp.Regexp
	)
	for _, rule := range policy {
		switch rule.Strategy {
		case EnvVarRuleString:
			policyStrings[rule.Rule] = struct{}{}
		case EnvVarRuleRegex:
			policyRegexes[rule.Rule] = struct{}{}
			if re, err := regexp.Compile("^(?:" + rule.Rule + ")$"); err == nil {
				compiled = append(compiled, re)
			}
		}
	}

	var diffs []Difference
	for _, rule := range tested {
		var allowed bool
		switch rule.Strategy {
		case EnvVarRuleRegex:
			_, allowed = policyRegexes[rule.Rule]
		default:
			if _, allowed = policyStrings[rule.Rule]; !allowed {
				allowed = lo.ContainsBy(compiled, func(re *regexp.Regexp) bool {
					return re.MatchString(rule.Rule)
				})
			}
		}
		if !allowed {
			diffs = append(diffs, Difference{
				Kind:        DiffEnvMismatch,
				ContainerID: id,
				Field:       "env_rules",
				Path:        "env_rules",
				TestedValue: rule,
			})
		}
	}
	return diffs
}

// ValidateSidecars regenerates the policy of every sidecar of p from its
// image alone and tests it against the sidecar as declared in p.
func (p *ACIPolicy) ValidateSidecars(ctx context.Context, r ImageResolver) (bool, ValidationResult, error) {
	sidecars := p.sidecarImages()
	if len(sidecars) == 0 {
		return false, ValidationResult{}, ErrNoSidecars
	}

	images := make([]*ContainerImage, 0, len(sidecars))
	for _, s := range sidecars {
		img, err := NewContainerImage(s.ID)
		if err != nil {
			return false, ValidationResult{}, err
		}
		img.Name = s.Name
		images = append(images, img)
	}

	groundTruth, err := NewACIPolicy(images, WithProgress(p.progress))
	if err != nil {
		return false, ValidationResult{}, err
	}
	if err := groundTruth.PopulatePolicyContentForAllImages(ctx, r); err != nil {
		return false, ValidationResult{}, errors.Wrap(err, "unable to generate sidecar policy from images")
	}

	ok, result := groundTruth.Validate(sidecars, true)
	log.G(ctx).WithField("sidecars", len(sidecars)).WithField("valid", ok).Debug("validated sidecars")
	return ok, result, nil
}

// CompareFragments tests the fragments of p against the fragments of an
// existing policy, matched by feed. A fragment is reported when its feed is
// missing, its issuer or includes differ, or its minimum SVN is lower than
// the existing one.
func (p *ACIPolicy) CompareFragments(existing []FragmentConfig) (bool, ValidationResult) {
	byFeed := lo.KeyBy(existing, func(f FragmentConfig) string { return f.Feed })

	var diffs []Difference
	for _, tested := range p.fragments {
		policy, ok := byFeed[tested.Feed]
		if !ok {
			diffs = append(diffs, Difference{Kind: DiffNotFound, ContainerID: tested.Feed, Field: "feed"})
			continue
		}

		t := tested.ToCanonicalForm().(map[string]interface{})
		if !svnRegressed(tested.MinimumSVN, policy.MinimumSVN) {
			t["minimum_svn"] = policy.MinimumSVN
		}
		diffCanonical(tested.Feed, "", "", t, policy.ToCanonicalForm(), &diffs)
	}

	result := ValidationResult{Differences: diffs}
	return result.IsValid(), result
}

func svnRegressed(tested, policy string) bool {
	t, err := semver.ParseTolerant(tested)
	if err != nil {
		return true
	}
	p, err := semver.ParseTolerant(policy)
	if err != nil {
		return tested != policy
	}
	return t.LT(p)
}
