package images

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"sort"
	"strconv"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/pkg/errors"

	"github.com/Microsoft/confcom/internal/dmverity"
	"github.com/Microsoft/confcom/internal/log"
	"github.com/Microsoft/confcom/internal/logfields"
)

// LayerHasher computes the root hash of each layer of an image.
type LayerHasher interface {
	LayerHashes(ctx context.Context, ref string, img v1.Image, source Source) ([]string, error)
}

// MerkleHasher hashes the uncompressed layer streams in process. The root
// is taken over the raw tar stream, not over the ext4 file system the
// runtime mounts, so it won't match the dm-verity hashes enforced by a
// confidential container group. Use ExecHasher for policies that are
// deployed.
type MerkleHasher struct{}

var _ LayerHasher = MerkleHasher{}

func (MerkleHasher) LayerHashes(ctx context.Context, _ string, img v1.Image, _ Source) ([]string, error) {
	log.G(ctx).Warn("hashing layers as tar streams, the hashes won't match a deployed container group; use dmverity-vhd for deployable policies")
	return ComputeLayerHashes(ctx, img)
}

// ComputeLayerHashes computes cryptographic digests of image layers and
// returns them as slice of string hashes.
func ComputeLayerHashes(ctx context.Context, img v1.Image) ([]string, error) {
	imgLayers, err := img.Layers()
	if err != nil {
		return nil, err
	}

	layerHashes := make([]string, 0, len(imgLayers))
	for i, layer := range imgLayers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := layer.Uncompressed()
		if err != nil {
			return nil, err
		}
		hashString, err := dmverity.ComputeRootDigest(r)
		r.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		log.G(ctx).WithFields(map[string]interface{}{
			logfields.Layer: i,
			logfields.Value: hashString,
		}).Trace("hashed layer")
		layerHashes = append(layerHashes, hashString)
	}
	return layerHashes, nil
}

// ExecHasher runs the dmverity-vhd tool, which hashes the ext4 image each
// layer is converted to. Images read from a tar fall back to Fallback since
// the tool can only reach the daemon and registries.
type ExecHasher struct {
	Path     string
	Username string
	Password string
	Fallback LayerHasher
}

var _ LayerHasher = &ExecHasher{}

var rootHashLine = regexp.MustCompile(`(?m)^Layer (\d+)\s*\nroot hash: ([0-9a-fA-F]+)\s*$`)

func (h *ExecHasher) LayerHashes(ctx context.Context, ref string, img v1.Image, source Source) ([]string, error) {
	if source == SourceTar {
		fallback := h.Fallback
		if fallback == nil {
			fallback = MerkleHasher{}
		}
		return fallback.LayerHashes(ctx, ref, img, source)
	}

	var args []string
	if source == SourceDaemon {
		args = append(args, "--docker")
	}
	args = append(args, "roothash", "--image", ref)
	if h.Username != "" {
		args = append(args, "--username", h.Username, "--password", h.Password)
	}

	cmd := exec.CommandContext(ctx, h.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	log.G(ctx).WithField(logfields.Path, h.Path).Debug("running dmverity-vhd")
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "dmverity-vhd failed: %s", bytes.TrimSpace(stderr.Bytes()))
	}
	return parseRootHashes(out)
}

// parseRootHashes reads the "Layer N\nroot hash: H" records printed by
// dmverity-vhd roothash.
func parseRootHashes(out []byte) ([]string, error) {
	type layerHash struct {
		index int
		hash  string
	}
	var found []layerHash
	out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	for _, m := range rootHashLine.FindAllSubmatch(out, -1) {
		i, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, err
		}
		found = append(found, layerHash{index: i, hash: string(m[2])})
	}
	if len(found) == 0 {
		return nil, errors.New("dmverity-vhd printed no root hashes")
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	hashes := make([]string, len(found))
	for i, lh := range found {
		if lh.index != i {
			return nil, errors.Errorf("dmverity-vhd output is missing layer %d", i)
		}
		hashes[i] = lh.hash
	}
	return hashes, nil
}
