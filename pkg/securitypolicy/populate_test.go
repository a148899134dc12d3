package securitypolicy_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/mock/gomock"

	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
	spMock "github.com/Microsoft/confcom/pkg/securitypolicy/mock"
)

const (
	sidecarImage = "mcr.microsoft.com/aci/skr:2.7"
	imagePath    = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

var testLayers = []string{strings.Repeat("a", 64), strings.Repeat("b", 64)}

func amd64Config() *sp.ImageConfig {
	return &sp.ImageConfig{
		OS:           "linux",
		Architecture: "amd64",
		WorkingDir:   "/usr/src/app",
		Entrypoint:   []string{"/docker-entrypoint.sh"},
		Cmd:          []string{"nginx", "-g", "daemon off;"},
		Env:          []string{imagePath, "NGINX_VERSION=1.25.3"},
		User:         "101:101",
		StopSignal:   "SIGQUIT",
	}
}

func newImage(t *testing.T, id string) *sp.ContainerImage {
	t.Helper()
	img, err := sp.NewContainerImage(id)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func Test_PopulatePolicyContentForAllImages_Backfills_From_Image(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)
	resolver.EXPECT().Inspect(gomock.Any(), "nginx:1.25").Return(amd64Config(), nil)
	resolver.EXPECT().LayerHashes(gomock.Any(), "nginx:1.25").Return(testLayers, nil)

	img := newImage(t, "nginx:1.25")
	img.WorkingDir = "/srv"
	img.EnvRules = []sp.EnvRuleConfig{{Strategy: sp.EnvVarRuleString, Rule: "PATH=/"}}

	p, err := sp.NewACIPolicy([]*sp.ContainerImage{img})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.PopulatePolicyContentForAllImages(context.Background(), resolver); err != nil {
		t.Fatal(err)
	}

	if img.WorkingDir != "/srv" {
		t.Errorf("declared working dir was overwritten: %q", img.WorkingDir)
	}
	if diff := cmp.Diff([]string{"/docker-entrypoint.sh", "nginx", "-g", "daemon off;"}, img.Command); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}
	wantEnv := []sp.EnvRuleConfig{
		{Strategy: sp.EnvVarRuleString, Rule: "PATH=/"},
		{Strategy: sp.EnvVarRuleString, Rule: "NGINX_VERSION=1.25.3"},
	}
	if diff := cmp.Diff(wantEnv, img.EnvRules); diff != "" {
		t.Errorf("env rules mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(testLayers, img.Layers); diff != "" {
		t.Errorf("layers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{3}, img.Signals); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}
	if img.User.UserIDName.Rule != "101" || img.User.UserIDName.Strategy != sp.IDNameStrategyID {
		t.Errorf("unexpected user %+v", img.User)
	}
}

func Test_PopulatePolicyContentForAllImages_Is_Idempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)
	resolver.EXPECT().Inspect(gomock.Any(), gomock.Any()).Return(amd64Config(), nil).Times(4)
	resolver.EXPECT().LayerHashes(gomock.Any(), gomock.Any()).Return(testLayers, nil).Times(4)

	p, err := sp.NewACIPolicy([]*sp.ContainerImage{newImage(t, "nginx:1.25"), newImage(t, sidecarImage)})
	if err != nil {
		t.Fatal(err)
	}

	var outputs []string
	for i := 0; i < 2; i++ {
		if err := p.PopulatePolicyContentForAllImages(context.Background(), resolver); err != nil {
			t.Fatal(err)
		}
		out, err := p.GetSerializedOutput(sp.OutputRaw, true)
		if err != nil {
			t.Fatal(err)
		}
		outputs = append(outputs, out)
	}
	if diff := cmp.Diff(outputs[0], outputs[1]); diff != "" {
		t.Errorf("second population changed the policy (-first +second):\n%s", diff)
	}
}

func Test_PopulatePolicyContentForAllImages_Checks_Architecture_Before_Hashing(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)
	cfg := amd64Config()
	cfg.Architecture = "arm64"
	resolver.EXPECT().Inspect(gomock.Any(), "nginx:1.25").Return(cfg, nil)
	resolver.EXPECT().LayerHashes(gomock.Any(), gomock.Any()).Times(0)

	p, err := sp.NewACIPolicy([]*sp.ContainerImage{newImage(t, "nginx:1.25")})
	if err != nil {
		t.Fatal(err)
	}
	err = p.PopulatePolicyContentForAllImages(context.Background(), resolver)
	if !errors.Is(err, sp.ErrUnsupportedArchitecture) {
		t.Fatalf("expected ErrUnsupportedArchitecture, got %v", err)
	}
}

func Test_PopulatePolicyContentForAllImages_Aborts_On_Any_Failure(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)
	progress := spMock.NewMockProgressReporter(ctrl)

	gomock.InOrder(
		progress.EXPECT().Start(4),
		resolver.EXPECT().Inspect(gomock.Any(), "nginx:1.25").Return(amd64Config(), nil),
		progress.EXPECT().Step(gomock.Any()),
		resolver.EXPECT().LayerHashes(gomock.Any(), "nginx:1.25").Return(testLayers, nil),
		progress.EXPECT().Step(gomock.Any()),
		resolver.EXPECT().Inspect(gomock.Any(), "private.azurecr.io/app:1").
			Return(nil, errors.Wrap(sp.ErrImageResolution, "unauthorized")),
		progress.EXPECT().Done(),
	)

	first := newImage(t, "nginx:1.25")
	p, err := sp.NewACIPolicy(
		[]*sp.ContainerImage{first, newImage(t, "private.azurecr.io/app:1")},
		sp.WithProgress(progress),
	)
	if err != nil {
		t.Fatal(err)
	}

	err = p.PopulatePolicyContentForAllImages(context.Background(), resolver)
	if !errors.Is(err, sp.ErrImageResolution) {
		t.Fatalf("expected ErrImageResolution, got %v", err)
	}
	if len(first.Layers) != 0 || len(first.Command) != 0 {
		t.Errorf("containers must be left untouched when population fails: %+v", first)
	}
}

func Test_ValidateSidecars_Environment_Mismatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)
	resolver.EXPECT().Inspect(gomock.Any(), sidecarImage).Return(&sp.ImageConfig{
		OS:           "linux",
		Architecture: "amd64",
		Cmd:          []string{"/skr.sh"},
		Env:          []string{imagePath},
	}, nil).AnyTimes()
	resolver.EXPECT().LayerHashes(gomock.Any(), sidecarImage).Return(testLayers, nil).AnyTimes()

	declared := newImage(t, sidecarImage)
	declared.EnvRules = []sp.EnvRuleConfig{{Strategy: sp.EnvVarRuleString, Rule: "PATH=/"}}
	p, err := sp.NewACIPolicy([]*sp.ContainerImage{declared})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.PopulatePolicyContentForAllImages(context.Background(), resolver); err != nil {
		t.Fatal(err)
	}

	ok, result, err := p.ValidateSidecars(context.Background(), resolver)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected sidecar validation to fail")
	}
	want := map[string]map[string][]string{
		sidecarImage: {
			"env_rules": {"environment variable with rule '" + imagePath + "' does not match strings or regex in policy rules"},
		},
	}
	if diff := cmp.Diff(want, result.Reasons()); diff != "" {
		t.Errorf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func Test_ValidateSidecars_Accepts_Matching_Sidecar(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)
	resolver.EXPECT().Inspect(gomock.Any(), sidecarImage).Return(&sp.ImageConfig{
		OS:           "linux",
		Architecture: "amd64",
		Env:          []string{imagePath},
	}, nil).AnyTimes()
	resolver.EXPECT().LayerHashes(gomock.Any(), sidecarImage).Return(testLayers, nil).AnyTimes()

	declared := newImage(t, sidecarImage)
	// a sidecar may allow more than its image needs
	declared.EnvRules = []sp.EnvRuleConfig{{Strategy: sp.EnvVarRuleRegex, Rule: "PATH=.*"}}
	declared.ExecProcesses = []sp.ExecProcessConfig{{Command: []string{"/bin/true"}, Signals: []int{}}}
	p, err := sp.NewACIPolicy([]*sp.ContainerImage{declared})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.PopulatePolicyContentForAllImages(context.Background(), resolver); err != nil {
		t.Fatal(err)
	}

	ok, result, err := p.ValidateSidecars(context.Background(), resolver)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Errorf("unexpected reasons: %v", result.Reasons())
	}
}

func Test_ValidateSidecars_Without_Sidecars(t *testing.T) {
	ctrl := gomock.NewController(t)
	resolver := spMock.NewMockImageResolver(ctrl)

	p, err := sp.NewACIPolicy([]*sp.ContainerImage{newImage(t, "nginx:1.25")})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.ValidateSidecars(context.Background(), resolver); !errors.Is(err, sp.ErrNoSidecars) {
		t.Fatalf("expected ErrNoSidecars, got %v", err)
	}
}
