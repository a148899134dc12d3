package dmverity

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pkg/errors"
)

func randomContent(t *testing.T, length int) []byte {
	t.Helper()
	content := make([]byte, length)
	if _, err := rand.New(rand.NewSource(int64(length))).Read(content); err != nil {
		t.Fatalf("failed to generate random content")
	}
	return content
}

func TestRootDigestMatchesTree(t *testing.T) {
	for _, length := range []int{
		1,
		BlockSize - 1,
		BlockSize,
		BlockSize + 1,
		BlockSize * 128,
		// enough blocks for a third level
		BlockSize*(BlockSize/hashSize) + 7,
	} {
		t.Run(fmt.Sprint(length), func(t *testing.T) {
			content := randomContent(t, length)
			want := fmt.Sprintf("%x", RootHash(Tree(append([]byte{}, content...))))

			got, err := ComputeRootDigest(bytes.NewReader(content))
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Fatalf("root digest %s, tree root %s", got, want)
			}
		})
	}
}

func TestRootDigestSingleBlock(t *testing.T) {
	data := make([]byte, BlockSize)
	leaf := sha256.Sum256(append(append([]byte{}, salt...), data...))
	level := make([]byte, BlockSize)
	copy(level, leaf[:])
	root := sha256.Sum256(append(append([]byte{}, salt...), level...))

	got, err := ComputeRootDigest(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if got != fmt.Sprintf("%x", root) {
		t.Fatalf("unexpected root digest %s", got)
	}

	// trailing zeros up to the block boundary don't change the digest
	short, err := ComputeRootDigest(bytes.NewReader(data[:10]))
	if err != nil {
		t.Fatal(err)
	}
	if short != got {
		t.Fatal("partial block must be zero padded")
	}

	empty, err := ComputeRootDigest(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if empty != got {
		t.Fatal("empty input must hash as a single zero block")
	}
}

func TestRootDigestReadError(t *testing.T) {
	expectedErr := errors.New("boom")
	_, err := ComputeRootDigest(iotest.ErrReader(expectedErr))
	if errors.Cause(err) != expectedErr {
		t.Fatalf("expected %v, got %v", expectedErr, err)
	}
}

func TestRootDigestOneByteReader(t *testing.T) {
	content := randomContent(t, 3*BlockSize+5)
	want, err := ComputeRootDigest(bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	got, err := ComputeRootDigest(iotest.OneByteReader(bytes.NewReader(content)))
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatal("digest depends on read sizes")
	}
}
