// Package images resolves container images referenced by a policy from a
// tar archive, the local docker daemon or a registry, and exposes the image
// metadata and layer hashes the policy needs.
package images

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/docutil"
	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
	sp "github.com/Microsoft/confcom/pkg/securitypolicy"
)

// Source names where an image was found.
type Source string

const (
	SourceTar      Source = "tar"
	SourceDaemon   Source = "daemon"
	SourceRegistry Source = "registry"
)

// the only platform images are pulled for
var defaultPlatform = v1.Platform{OS: "linux", Architecture: "amd64"}

type cachedImage struct {
	img    v1.Image
	source Source
}

// Fetcher implements securitypolicy.ImageResolver.
type Fetcher struct {
	tarPath    string
	tarMapping map[string]string
	useDaemon  bool
	useRemote  bool
	username   string
	password   string
	hasher     LayerHasher

	mu    sync.Mutex
	cache map[string]*cachedImage
}

var _ sp.ImageResolver = &Fetcher{}

// FetcherOpt configures a Fetcher.
type FetcherOpt func(*Fetcher) error

// WithTar makes images available from a tar archive. When path is a JSON
// file it maps image references to the tar archive holding them, otherwise
// the archive is used for every image.
func WithTar(path string) FetcherOpt {
	return func(f *Fetcher) error {
		if path == "" {
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".json") {
			f.tarPath = path
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "unable to read tar mapping file")
		}
		doc, err := docutil.Decode(data, docutil.FormatJSON)
		if err != nil {
			return errors.Wrapf(err, "tar mapping file %s", path)
		}
		f.tarMapping = make(map[string]string, len(doc))
		for image, p := range doc {
			tarPath, ok := p.(string)
			if !ok {
				return errors.Wrapf(sp.ErrInvalidInput, "tar mapping file %s: %q doesn't map to a path", path, image)
			}
			f.tarMapping[image] = tarPath
		}
		return nil
	}
}

// WithoutDaemon skips the local docker daemon.
func WithoutDaemon() FetcherOpt {
	return func(f *Fetcher) error {
		f.useDaemon = false
		return nil
	}
}

// WithoutRegistry skips pulling from registries.
func WithoutRegistry() FetcherOpt {
	return func(f *Fetcher) error {
		f.useRemote = false
		return nil
	}
}

// WithBasicAuth uses the credentials for every registry instead of the
// default keychain.
func WithBasicAuth(username, password string) FetcherOpt {
	return func(f *Fetcher) error {
		if (username == "") != (password == "") {
			return errors.Wrap(sp.ErrInvalidInput, "username and password must be set together")
		}
		f.username = username
		f.password = password
		return nil
	}
}

// WithLayerHasher replaces the in-process layer hasher.
func WithLayerHasher(h LayerHasher) FetcherOpt {
	return func(f *Fetcher) error {
		f.hasher = h
		return nil
	}
}

// NewFetcher creates a fetcher that looks images up in the docker daemon and
// then the registry, unless configured otherwise.
func NewFetcher(opts ...FetcherOpt) (*Fetcher, error) {
	f := &Fetcher{
		useDaemon: true,
		useRemote: true,
		hasher:    MerkleHasher{},
		cache:     make(map[string]*cachedImage),
	}
	for _, o := range opts {
		if err := o(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Image returns the image for ref and where it was found. Images are cached
// for the lifetime of the fetcher.
func (f *Fetcher) Image(ctx context.Context, image string) (v1.Image, Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.cache[image]; ok {
		return c.img, c.source, nil
	}

	ctx = log.UpdateContext(ctx, map[string]interface{}{logfields.Image: image})
	ref, err := name.ParseReference(image)
	if err != nil {
		return nil, "", errors.Wrapf(sp.ErrImageResolution, "failed to parse image reference %q: %s", image, err)
	}

	var errs []string
	for _, try := range []struct {
		source  Source
		enabled bool
		fetch   func(context.Context, name.Reference) (v1.Image, error)
	}{
		{SourceTar, f.tarPath != "" || f.tarMapping != nil, f.fromTar},
		{SourceDaemon, f.useDaemon, fromDaemon},
		{SourceRegistry, f.useRemote, f.fromRegistry},
	} {
		if !try.enabled {
			continue
		}
		img, err := try.fetch(ctx, ref)
		if err != nil {
			log.G(ctx).WithError(err).WithField(logfields.Source, try.source).Debug("image not available")
			errs = append(errs, string(try.source)+": "+err.Error())
			continue
		}
		if conf, err := img.ConfigName(); err == nil {
			log.G(ctx).WithFields(map[string]interface{}{
				logfields.Source: try.source,
				logfields.ID:     conf.String(),
			}).Debug("resolved image")
		}
		f.cache[image] = &cachedImage{img: img, source: try.source}
		return img, try.source, nil
	}

	if len(errs) == 0 {
		return nil, "", errors.Wrapf(sp.ErrImageResolution, "%s: no image source enabled", image)
	}
	return nil, "", errors.Wrapf(sp.ErrImageResolution, "unable to fetch image %q, make sure it exists: %s", image, strings.Join(errs, "; "))
}

func (f *Fetcher) fromTar(ctx context.Context, ref name.Reference) (v1.Image, error) {
	path := f.tarPath
	if f.tarMapping != nil {
		var ok bool
		if path, ok = f.lookupMapping(ref); !ok {
			return nil, errors.New("image is not in the tar mapping")
		}
	}
	log.G(ctx).WithField(logfields.Tarball, path).Debug("reading image from tar")

	var tag *name.Tag
	if t, ok := ref.(name.Tag); ok {
		tag = &t
	}
	img, err := tarball.ImageFromPath(path, tag)
	if err != nil && tag != nil && f.tarMapping != nil {
		// a mapped tar is allowed to hold a single untagged image
		img, err = tarball.ImageFromPath(path, nil)
	}
	return img, err
}

func (f *Fetcher) lookupMapping(ref name.Reference) (string, bool) {
	for image, path := range f.tarMapping {
		if image == ref.String() || image == ref.Name() {
			return path, true
		}
		if mapped, err := name.ParseReference(image); err == nil && mapped.Name() == ref.Name() {
			return path, true
		}
	}
	return "", false
}

func fromDaemon(ctx context.Context, ref name.Reference) (v1.Image, error) {
	return daemon.Image(ref, daemon.WithContext(ctx))
}

func (f *Fetcher) fromRegistry(ctx context.Context, ref name.Reference) (v1.Image, error) {
	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithPlatform(defaultPlatform),
	}
	if f.username != "" {
		auth := authn.Basic{
			Username: f.username,
			Password: f.password,
		}
		authConf, err := auth.Authorization()
		if err != nil {
			return nil, errors.Wrap(err, "failed to set remote")
		}
		log.G(ctx).Debug("using basic auth")
		opts = append(opts, remote.WithAuth(authn.FromConfig(*authConf)))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	return remote.Image(ref, opts...)
}

// Inspect returns the configuration of image. Images that don't run on
// linux/amd64 are rejected here, before any layer is read.
func (f *Fetcher) Inspect(ctx context.Context, image string) (*sp.ImageConfig, error) {
	img, _, err := f.Image(ctx, image)
	if err != nil {
		return nil, err
	}
	cfg, err := ImageConfig(img)
	if err != nil {
		return nil, errors.Wrapf(sp.ErrImageResolution, "%s: %s", image, err)
	}
	if err := sp.CheckPlatform(cfg); err != nil {
		return nil, errors.Wrap(err, image)
	}
	return cfg, nil
}

// LayerHashes returns the root hash of every layer of image, base layer
// first.
func (f *Fetcher) LayerHashes(ctx context.Context, image string) ([]string, error) {
	img, source, err := f.Image(ctx, image)
	if err != nil {
		return nil, err
	}
	ctx = log.UpdateContext(ctx, map[string]interface{}{logfields.Image: image})
	hashes, err := f.hasher.LayerHashes(ctx, image, img, source)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to hash layers of %s", image)
	}
	return hashes, nil
}
