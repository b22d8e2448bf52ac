// Package pools provides object pooling for reducing GC pressure.
//
// This package contains BytePool, size-class based byte slice pooling, used
// by pkg/lsm's SSTable block reads to avoid a fresh allocation per decoded
// data block.
package pools
