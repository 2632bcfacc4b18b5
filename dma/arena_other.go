//go:build !linux
// +build !linux

package dma

import "unsafe"

// allocMemory backs the arena with Go memory. A uint64 slice guarantees word
// alignment for the atomic descriptor accessors.
func allocMemory(size int) ([]byte, func() error, error) {
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return mem, func() error { return nil }, nil
}
