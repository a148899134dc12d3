package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"
	cli "github.com/urfave/cli/v2"

	"github.com/Microsoft/confcom/internal/docutil"
	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

const appImage = "registry.example.com/app:1.0"

const testTemplate = `{
	"parameters": {
		"command": {"type": "array", "defaultValue": ["/app", "--serve"]}
	},
	"resources": [{
		"type": "Microsoft.ContainerInstance/containerGroups",
		"name": "group",
		"properties": {
			"sku": "Confidential",
			"containers": [{
				"name": "app",
				"properties": {
					"image": "registry.example.com/app:1.0",
					"command": "[parameters('command')]",
					"environmentVariables": [{"name": "MODE", "value": "prod"}]
				}
			}]
		}
	}]
}`

func writeImageTar(t *testing.T, dir string) string {
	t.Helper()
	img, err := random.Image(512, 1)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := img.ConfigFile()
	if err != nil {
		t.Fatal(err)
	}
	cfg = cfg.DeepCopy()
	cfg.OS = "linux"
	cfg.Architecture = "amd64"
	cfg.Config.Env = []string{"PATH=/usr/bin"}
	if img, err = mutate.ConfigFile(img, cfg); err != nil {
		t.Fatal(err)
	}
	tag, err := name.NewTag(appImage)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "images.tar")
	if err := tarball.WriteToFile(path, tag, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeFile(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := app()
	a.Writer = &out
	a.ErrWriter = &errOut
	a.Reader = strings.NewReader("")
	a.ExitErrHandler = func(*cli.Context, error) {}
	err := a.Run(append([]string{"confcom"}, args...))
	t.Logf("stderr:\n%s", errOut.String())
	return out.String(), err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func Test_Acipolicygen_Input_Outraw(t *testing.T) {
	dir := t.TempDir()
	tar := writeImageTar(t, dir)
	input := writeFile(t, dir, "input.json", `{
		"version": "1.0",
		"containers": [{"name": "app", "containerImage": "`+appImage+`", "command": "/app --serve"}]
	}`)

	out, err := run(t, "acipolicygen", "--input", input, "--tar", tar, "--outraw")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"package policy", `"id":"` + appImage + `"`, `"command":["/app","--serve"]`, "PATH=/usr/bin"} {
		if !strings.Contains(out, want) {
			t.Errorf("output is missing %s:\n%s", want, out)
		}
	}
}

func Test_Acipolicygen_Requires_One_Source(t *testing.T) {
	_, err := run(t, "acipolicygen")
	if !errors.Is(err, sp.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, err = run(t, "acipolicygen", "--input", "a.json", "--template-file", "b.json")
	if !errors.Is(err, sp.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func Test_Acipolicygen_Inject_Then_Diff(t *testing.T) {
	dir := t.TempDir()
	tar := writeImageTar(t, dir)
	template := writeFile(t, dir, "template.json", testTemplate)

	out, err := run(t, "acipolicygen", "--template-file", template, "--tar", tar)
	if err != nil {
		t.Fatal(err)
	}
	digest := strings.TrimSpace(out)
	if len(digest) != 64 {
		t.Fatalf("expected a sha256 digest, got %q", out)
	}

	data, err := os.ReadFile(template)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"ccePolicy"`) {
		t.Fatal("policy was not injected into the template")
	}

	out, err = run(t, "acipolicygen", "--template-file", template, "--tar", tar, "--diff")
	if err != nil {
		t.Fatalf("diff of an unchanged template failed: %v\n%s", err, out)
	}

	params := writeFile(t, dir, "params.json", `{"parameters": {"command": {"value": ["/app", "--debug"]}}}`)
	out, err = run(t, "acipolicygen", "--template-file", template, "--parameters", params, "--tar", tar, "--diff")
	if exitCode(err) != exitMismatch {
		t.Fatalf("expected exit code %d, got %v", exitMismatch, err)
	}
	reasons, derr := docutil.Decode([]byte(out), docutil.FormatJSON)
	if derr != nil {
		t.Fatalf("reasons are not JSON: %v\n%s", derr, out)
	}
	if _, ok := reasons[appImage]; !ok {
		t.Errorf("expected reasons for %s, got %v", appImage, reasons)
	}

	out, err = run(t, "acipolicygen", "--template-file", template, "--print-existing-policy")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"/app"`) || !strings.Contains(out, `"--serve"`) {
		t.Errorf("unexpected existing policy:\n%s", out)
	}
}

func Test_Acipolicygen_Diff_Without_Existing_Policy(t *testing.T) {
	dir := t.TempDir()
	tar := writeImageTar(t, dir)
	template := writeFile(t, dir, "template.json", testTemplate)

	if _, err := run(t, "acipolicygen", "--template-file", template, "--tar", tar, "--diff"); !errors.Is(err, sp.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func Test_Roothash(t *testing.T) {
	dir := t.TempDir()
	tar := writeImageTar(t, dir)

	out, err := run(t, "roothash", "-i", appImage, "--tar", tar)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || lines[0] != "Layer 0" || !strings.HasPrefix(lines[1], "root hash: ") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func Test_ExitError(t *testing.T) {
	a := app()
	c := cli.NewContext(a, nil, nil)

	if got := exitError(c, cli.Exit("", exitMismatch)).ExitCode(); got != exitMismatch {
		t.Errorf("exit code = %d", got)
	}
	ec := exitError(c, errors.Wrap(sp.ErrUnsupportedArchitecture, "arm64"))
	if ec.ExitCode() != 1 {
		t.Errorf("exit code = %d", ec.ExitCode())
	}
	if !strings.HasPrefix(ec.Error(), "confcom: ") {
		t.Errorf("unexpected message %q", ec.Error())
	}
}

const twoGroupTemplate = `{
	"resources": [
		{
			"type": "Microsoft.ContainerInstance/containerGroups",
			"name": "frontend",
			"properties": {
				"sku": "Confidential",
				"containers": [{"name": "web", "properties": {"image": "registry.example.com/app:1.0", "command": ["/web"]}}]
			}
		},
		{
			"type": "Microsoft.ContainerInstance/containerGroups",
			"name": "backend",
			"properties": {
				"sku": "Confidential",
				"containers": [{"name": "worker", "properties": {"image": "registry.example.com/app:1.0", "command": ["/worker"]}}]
			}
		}
	]
}`

func Test_Acipolicygen_Save_To_File_Per_Group(t *testing.T) {
	dir := t.TempDir()
	tar := writeImageTar(t, dir)
	template := writeFile(t, dir, "template.json", twoGroupTemplate)
	out := filepath.Join(dir, "policy.rego")

	if _, err := run(t, "acipolicygen", "--template-file", template, "--tar", tar, "--outraw", "--save-to-file", out); err != nil {
		t.Fatal(err)
	}
	for group, command := range map[string]string{"frontend": `"/web"`, "backend": `"/worker"`} {
		data, err := os.ReadFile(filepath.Join(dir, "policy-"+group+".rego"))
		if err != nil {
			t.Fatalf("policy of group %s was not saved: %v", group, err)
		}
		if !strings.Contains(string(data), "package policy") || !strings.Contains(string(data), command) {
			t.Errorf("unexpected policy for group %s:\n%s", group, data)
		}
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("policies of several groups must not share %s", out)
	}
}

func Test_GroupPolicyPath(t *testing.T) {
	for _, tc := range []struct{ path, group, want string }{
		{"policy.rego", "web", "policy-web.rego"},
		{filepath.Join("out", "policy"), "web", filepath.Join("out", "policy-web")},
		{"a.b/policy.json", "db", "a.b/policy-db.json"},
	} {
		if got := groupPolicyPath(tc.path, tc.group); got != tc.want {
			t.Errorf("groupPolicyPath(%q, %q) = %q, want %q", tc.path, tc.group, got, tc.want)
		}
	}
}
