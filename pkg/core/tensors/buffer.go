// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
)

// DeviceNum represents which device holds a buffer, or should execute a stage.
// It's up to the engine to interpret it.
type DeviceNum int

// HostDevice is the DeviceNum used for buffers in host (CPU) memory not owned by any engine.
const HostDevice DeviceNum = -1

// String implements fmt.Stringer.
func (d DeviceNum) String() string {
	if d == HostDevice {
		return "host"
	}
	return fmt.Sprintf("device#%d", int(d))
}

// Buffer is a flat region of memory on a device. Engines allocate buffers for their sessions, and
// tensors can be created as views over (a prefix of) a buffer, see FromBuffer.
//
// Buffers are never resized: the pipeline allocates them once per request, at the maximum size
// they will ever need.
type Buffer struct {
	device DeviceNum

	mu        sync.Mutex
	data      []byte
	finalized bool
}

// NewBuffer allocates a zero-initialized buffer with numBytes on the given device.
//
// The memory is 8-byte aligned, so it can be reinterpreted as a slice of any supported dtype.
// Engines that own real device memory wrap it with their own allocator instead; this is the
// host-memory implementation.
func NewBuffer(device DeviceNum, numBytes int) *Buffer {
	words := make([]uint64, (numBytes+7)/8)
	var data []byte
	if numBytes > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), numBytes)
	} else {
		data = []byte{}
	}
	return &Buffer{device: device, data: data}
}

// Device where the buffer is stored.
func (b *Buffer) Device() DeviceNum { return b.device }

// Len returns the size of the buffer in bytes. It returns 0 for finalized buffers.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// IsFinalized returns whether Finalize has been called.
func (b *Buffer) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// Finalize releases the buffer memory. Views over the buffer become invalid.
// It is a no-op if called more than once.
func (b *Buffer) Finalize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.finalized = true
}

// Zero sets all the buffer contents to 0.
func (b *Buffer) Zero() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.data)
}

// bytes returns the first numBytes of the buffer, or nil if the buffer is too small or finalized.
func (b *Buffer) bytes(numBytes int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized || numBytes > len(b.data) {
		return nil
	}
	return b.data[:numBytes:numBytes]
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, %s)", b.device, humanize.IBytes(uint64(b.Len())))
}
