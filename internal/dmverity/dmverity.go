// Package dmverity computes dm-verity style merkle trees: sha256 over 4096
// byte blocks with a zero salt.
package dmverity

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	// BlockSize is both the data and the hash block size.
	BlockSize = 4096
	hashSize  = sha256.Size
)

var salt = bytes.Repeat([]byte{0}, 32)

// Tree returns the hash levels of data, root level first. Data is zero
// padded to a whole number of blocks and every level is padded to a whole
// block.
func Tree(data []byte) []byte {
	layers := make([][]byte, 0)

	current := padToBlock(data)
	for {
		next := hashLevel(current)
		layers = append(layers, next)
		if len(next) == BlockSize {
			break
		}
		current = next
	}

	tree := bytes.NewBuffer(make([]byte, 0))
	for i := len(layers) - 1; i >= 0; i-- {
		tree.Write(layers[i])
	}
	return tree.Bytes()
}

// RootHash returns the root hash of a tree built by Tree.
func RootHash(tree []byte) []byte {
	return hash2(salt, tree[:BlockSize])
}

// ComputeRootDigest streams r block by block and returns the hex root hash
// of its merkle tree. Only the first hash level is kept in memory.
func ComputeRootDigest(r io.Reader) (string, error) {
	level := bytes.NewBuffer(make([]byte, 0))
	block := make([]byte, BlockSize)
	for blocks := 0; ; blocks++ {
		n, err := io.ReadFull(r, block)
		if n > 0 {
			clear(block[n:])
			level.Write(hash2(salt, block))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if n == 0 && blocks == 0 {
				// an empty stream still occupies one data block
				clear(block)
				level.Write(hash2(salt, block))
			}
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "failed to read data block")
		}
	}

	current := padToBlock(level.Bytes())
	for len(current) != BlockSize {
		current = hashLevel(current)
	}
	return fmt.Sprintf("%x", hash2(salt, current)), nil
}

// hashLevel hashes every block of data, which must be block aligned, and
// returns the padded next level.
func hashLevel(data []byte) []byte {
	next := bytes.NewBuffer(make([]byte, 0, len(data)/BlockSize*hashSize))
	for off := 0; off < len(data); off += BlockSize {
		next.Write(hash2(salt, data[off:off+BlockSize]))
	}
	return padToBlock(next.Bytes())
}

func padToBlock(b []byte) []byte {
	if len(b) > 0 && len(b)%BlockSize == 0 {
		return b
	}
	return append(b, make([]byte, BlockSize-len(b)%BlockSize)...)
}

func hash2(a, b []byte) []byte {
	h := sha256.New()
	h.Write(a)
	h.Write(b)
	return h.Sum(nil)
}
