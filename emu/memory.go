// Package emu provides a software device: a flat physical memory, a
// page allocator, and an executor that interprets command batches on a
// worker goroutine. The core components run against it exactly as they
// would against hardware, which is what makes them testable end to end.
package emu

import (
	"encoding/binary"
	"log"
	"sync"
)

// A Memory is one flat physical memory. All physical addresses the
// emulated device hands out index into it.
type Memory struct {
	mu   sync.Mutex
	data []byte
}

// NewMemory returns a zeroed memory of the given byte size.
func NewMemory(size uint64) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Size returns the memory's byte size.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) check(addr, size uint64) {
	if addr+size > uint64(len(m.data)) || addr+size < addr {
		log.Panicf("physical access [%#x, %#x) out of bounds", addr, addr+size)
	}
}

// Read copies len(buf) bytes starting at addr into buf.
func (m *Memory) Read(addr uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(addr, uint64(len(buf)))
	copy(buf, m.data[addr:])
}

// Write stores buf starting at addr.
func (m *Memory) Write(addr uint64, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(addr, uint64(len(buf)))
	copy(m.data[addr:], buf)
}

// ReadQword loads the little-endian qword at addr.
func (m *Memory) ReadQword(addr uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(addr, 8)
	return binary.LittleEndian.Uint64(m.data[addr:])
}

// WriteQword stores v little endian at addr.
func (m *Memory) WriteQword(addr uint64, v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(addr, 8)
	binary.LittleEndian.PutUint64(m.data[addr:], v)
}

// Fill repeats the little-endian dword value across [addr, addr+size).
func (m *Memory) Fill(addr, size uint64, value uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(addr, size)
	var pattern [4]byte
	binary.LittleEndian.PutUint32(pattern[:], value)
	for i := uint64(0); i < size; i++ {
		m.data[addr+i] = pattern[i%4]
	}
}

// Copy moves size bytes from src to dst.
func (m *Memory) Copy(dst, src, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(src, size)
	m.check(dst, size)
	copy(m.data[dst:dst+size], m.data[src:src+size])
}

// Zero clears [addr, addr+size).
func (m *Memory) Zero(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.check(addr, size)
	for i := uint64(0); i < size; i++ {
		m.data[addr+i] = 0
	}
}
