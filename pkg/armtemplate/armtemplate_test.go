package armtemplate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/docutil"
	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

const testTemplate = `{
	"$schema": "https://schema.management.azure.com/schemas/2019-04-01/deploymentTemplate.json#",
	"contentVersion": "1.0.0.0",
	"parameters": {
		"containergroupname": {"type": "string", "defaultValue": "simple-group"},
		"image": {"type": "string", "defaultValue": "alpine:3.19"},
		"appCommand": {"type": "array", "defaultValue": ["/bin/sh", "-c", "sleep infinity"]},
		"secret": {"type": "securestring"}
	},
	"variables": {
		"logDir": "/var/log"
	},
	"resources": [
		{
			"type": "Microsoft.Storage/storageAccounts",
			"name": "unrelated"
		},
		{
			"type": "Microsoft.ContainerInstance/containerGroups",
			"name": "[parameters('containerGroupName')]",
			"properties": {
				"sku": "Confidential",
				"containers": [
					{
						"name": "app",
						"properties": {
							"image": "[parameters('image')]",
							"command": "[parameters('appCommand')]",
							"environmentVariables": [
								{"name": "LOG_DIR", "value": "[variables('logDir')]"},
								{"name": "LOG_FILE", "value": "[variables('logDir')]/app.log"},
								{"name": "SECRET", "secureValue": "[parameters('secret')]"}
							],
							"volumeMounts": [{"name": "logs", "mountPath": "[variables('logDir')]"}]
						}
					}
				],
				"initContainers": [
					{"name": "init", "properties": {"image": "busybox", "command": ["true"]}}
				],
				"volumes": [{"name": "logs", "emptyDir": {}}]
			}
		}
	]
}`

func loadTestTemplate(t *testing.T, parameters string) *Template {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "template.json")
	if err := os.WriteFile(path, []byte(testTemplate), 0o644); err != nil {
		t.Fatal(err)
	}
	var paramsPath string
	if parameters != "" {
		paramsPath = filepath.Join(dir, "parameters.json")
		if err := os.WriteFile(paramsPath, []byte(parameters), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tmpl, err := Load(path, paramsPath)
	if err != nil {
		t.Fatal(err)
	}
	return tmpl
}

func Test_Resolver_Resolve(t *testing.T) {
	r := NewResolver(
		map[string]interface{}{
			"Image":    map[string]interface{}{"defaultValue": "nginx"},
			"replicas": map[string]interface{}{"defaultValue": 3},
			"noValue":  map[string]interface{}{"type": "string"},
		},
		map[string]interface{}{"suffix": "prod"},
		map[string]interface{}{"image": map[string]interface{}{"value": "nginx:1.25"}},
	)

	for _, tc := range []struct {
		name  string
		in    interface{}
		want  interface{}
		ignor bool
	}{
		{name: "literal", in: "plain", want: "plain"},
		{name: "non string", in: true, want: true},
		{name: "parameter file wins over default", in: "[parameters('image')]", want: "nginx:1.25"},
		{name: "case insensitive", in: "[parameters('IMAGE')]", want: "nginx:1.25"},
		{name: "typed value", in: "[parameters('replicas')]", want: 3},
		{name: "variable", in: "[variables('suffix')]", want: "prod"},
		{name: "embedded", in: "app-[variables('suffix')]", want: "app-prod"},
		{name: "first match only", in: "[variables('suffix')]-[variables('suffix')]x", want: "prod-[variables('suffix')]x"},
		{name: "undefined ignored", in: "[parameters('noValue')]", want: "[parameters('noValue')]", ignor: true},
		{name: "unknown ignored", in: "[parameters('nope')]", want: "[parameters('nope')]", ignor: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(tc.in, tc.ignor)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	for _, in := range []string{"[parameters('noValue')]", "[parameters('nope')]", "x[variables('nope')]"} {
		if _, err := r.Resolve(in, false); !errors.Is(err, ErrUndefinedParameter) {
			t.Errorf("%s: expected ErrUndefinedParameter, got %v", in, err)
		}
	}

	if !r.IsUnresolved("[parameters('nope')]") || r.IsUnresolved("plain") {
		t.Error("IsUnresolved misclassified a value")
	}
}

func Test_ContainerGroups(t *testing.T) {
	tmpl := loadTestTemplate(t, "")
	groups, err := tmpl.ContainerGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one container group, got %d", len(groups))
	}
	g := groups[0]
	if g.Name != "simple-group" {
		t.Errorf("name = %q", g.Name)
	}
	if len(g.Containers) != 2 {
		t.Errorf("expected init and app containers, got %d", len(g.Containers))
	}

	p, err := g.Policy(context.Background(), BuildOptions{ApproveWildcards: true})
	if err != nil {
		t.Fatal(err)
	}
	images := p.Images()
	if images[0].ID != "busybox" || images[1].ID != "alpine:3.19" {
		t.Errorf("unexpected images %s, %s", images[0].ID, images[1].ID)
	}

	app := images[1]
	if diff := cmp.Diff([]string{"/bin/sh", "-c", "sleep infinity"}, app.Command); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	wantEnv := []sp.EnvRuleConfig{
		{Strategy: sp.EnvVarRuleString, Rule: "LOG_DIR=/var/log"},
		{Strategy: sp.EnvVarRuleString, Rule: "LOG_FILE=/var/log/app.log"},
		{Strategy: sp.EnvVarRuleRegex, Rule: "SECRET=.*"},
	}
	if diff := cmp.Diff(wantEnv, app.EnvRules[:3]); diff != "" {
		t.Errorf("env rules mismatch (-want +got):\n%s", diff)
	}
	if app.Mounts[0].Destination != "/var/log" {
		t.Errorf("unexpected mount %+v", app.Mounts[0])
	}
	if p.ExistingContainers() != nil {
		t.Error("template has no existing policy")
	}
}

func Test_ContainerGroups_Parameters_File(t *testing.T) {
	tmpl := loadTestTemplate(t, `{"parameters": {"image": {"value": "nginx:1.25"}, "secret": {"value": "s3cr3t"}}}`)
	groups, err := tmpl.ContainerGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p, err := groups[0].Policy(context.Background(), BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	app := p.Images()[1]
	if app.ID != "nginx:1.25" {
		t.Errorf("image = %q", app.ID)
	}
	if app.EnvRules[2].Rule != "SECRET=s3cr3t" || app.EnvRules[2].Strategy != sp.EnvVarRuleString {
		t.Errorf("unexpected rule %+v", app.EnvRules[2])
	}
}

func Test_ContainerGroups_Wildcard_Declined(t *testing.T) {
	tmpl := loadTestTemplate(t, "")
	groups, err := tmpl.ContainerGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := groups[0].Policy(context.Background(), BuildOptions{}); !errors.Is(err, sp.ErrWildcardDeclined) {
		t.Fatalf("expected ErrWildcardDeclined, got %v", err)
	}
}

func Test_New_Requires_Resources(t *testing.T) {
	if _, err := New(map[string]interface{}{"parameters": map[string]interface{}{}}, nil); !errors.Is(err, sp.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
	tmpl, err := New(map[string]interface{}{"resources": []interface{}{}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpl.ContainerGroups(context.Background()); !errors.Is(err, sp.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func Test_InjectPolicy_And_Reload(t *testing.T) {
	tmpl := loadTestTemplate(t, "")
	groups, err := tmpl.ContainerGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p, err := groups[0].Policy(context.Background(), BuildOptions{ApproveWildcards: true})
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := p.GetSerializedOutput(sp.OutputDefault, true)
	if err != nil {
		t.Fatal(err)
	}
	groups[0].InjectPolicy(encoded)

	out := filepath.Join(t.TempDir(), "out.json")
	if err := tmpl.Save(out); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Load(out, "")
	if err != nil {
		t.Fatal(err)
	}
	groups, err = reloaded.ContainerGroups(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	existing, err := groups[0].ExistingPolicy(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if existing == nil || len(existing.Containers) != 2 {
		t.Fatalf("unexpected existing policy %+v", existing)
	}

	regenerated, err := groups[0].Policy(context.Background(), BuildOptions{ApproveWildcards: true})
	if err != nil {
		t.Fatal(err)
	}
	if ok, result := regenerated.Validate(regenerated.ExistingContainers(), false); !ok {
		t.Errorf("regenerated policy differs from the injected one: %v", result.Reasons())
	}

	decoded, err := docutil.DecodeBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if existing.Digest() != sp.PolicyDigest(decoded) {
		t.Error("digest mismatch")
	}
}
