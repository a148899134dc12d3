package images

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"

	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

// ImageConfig extracts the parts of the image configuration a policy is
// back-filled from.
func ImageConfig(img v1.Image) (*sp.ImageConfig, error) {
	imgConfig, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}

	cfg := &sp.ImageConfig{
		OS:           imgConfig.OS,
		Architecture: imgConfig.Architecture,
		Variant:      imgConfig.Variant,
		WorkingDir:   imgConfig.Config.WorkingDir,
		Entrypoint:   imgConfig.Config.Entrypoint,
		Cmd:          imgConfig.Config.Cmd,
		Env:          imgConfig.Config.Env,
		User:         imgConfig.Config.User,
		StopSignal:   imgConfig.Config.StopSignal,
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/"
	}
	return cfg, nil
}
