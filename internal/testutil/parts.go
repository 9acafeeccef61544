// Package testutil provides fragment generators for examples and tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Putter is the write half of a store.
type Putter interface {
	Put(ctx context.Context, key string, r io.Reader) error
}

// Payload returns n deterministic bytes derived from seed. Distinct seeds
// give distinct content, so misordered assembly is detectable.
func Payload(seed, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte('a' + (seed+i)%26)
	}
	return b
}

// PartKey returns the key of the i-th fragment under source. Keys sort in
// index order.
func PartKey(source string, i int) string {
	return fmt.Sprintf("%s/%06d.json", source, i)
}

// SeedParts writes one fragment per entry of sizes under source and
// returns their keys and the bytes their in-order concatenation holds.
func SeedParts(ctx context.Context, p Putter, source string, sizes []int) ([]string, []byte, error) {
	keys := make([]string, len(sizes))
	var all bytes.Buffer
	for i, n := range sizes {
		key := PartKey(source, i)
		data := Payload(i, n)
		if err := p.Put(ctx, key, bytes.NewReader(data)); err != nil {
			return nil, nil, fmt.Errorf("seed %s: %w", key, err)
		}
		keys[i] = key
		all.Write(data)
	}
	return keys, all.Bytes(), nil
}

// Uniform returns n copies of size, for SeedParts.
func Uniform(n, size int) []int {
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = size
	}
	return sizes
}
