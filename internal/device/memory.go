package device

import (
	"context"
	"fmt"
	"sync"
)

// shardSize bounds the granularity of the internal locking so that
// concurrent copy tasks touching disjoint offsets don't serialize on a
// single mutex. Mirrors the sharded-locking strategy the teacher's
// backend/mem.go uses for its RAM-disk backend.
const shardSize = 64 * 1024

// Memory is an in-memory block device used by tests and the rebuild-demo
// CLI. It is not part of the engine's production surface — a real deployment
// gets its BlockDeviceDescriptor/Handle implementations from the nexus and
// bdev layers, which are out of scope here (spec.md section 1).
type Memory struct {
	name      string
	blockSize uint32

	data   []byte
	shards []sync.RWMutex

	faultMu sync.Mutex
	faults  FaultInjector
}

// FaultInjector lets a test force an error on a specific operation. It is
// called before the I/O is performed; a non-nil return short-circuits it.
type FaultInjector func(op string, offsetBlk, numBlocks uint64) error

// NewMemory creates an in-memory device of the given size in blocks.
func NewMemory(name string, blockSize uint32, sizeBlocks uint64) *Memory {
	sizeBytes := int64(blockSize) * int64(sizeBlocks)
	numShards := (sizeBytes + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &Memory{
		name:      name,
		blockSize: blockSize,
		data:      make([]byte, sizeBytes),
		shards:    make([]sync.RWMutex, numShards),
	}
}

// SetFaultInjector installs or clears (pass nil) a fault injector.
func (m *Memory) SetFaultInjector(f FaultInjector) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.faults = f
}

func (m *Memory) fault(op string, offsetBlk, numBlocks uint64) error {
	m.faultMu.Lock()
	f := m.faults
	m.faultMu.Unlock()
	if f == nil {
		return nil
	}
	return f(op, offsetBlk, numBlocks)
}

// Name implements Descriptor.
func (m *Memory) Name() string { return m.name }

// BlockSize implements Descriptor.
func (m *Memory) BlockSize() uint32 { return m.blockSize }

// SizeBlocks implements Descriptor.
func (m *Memory) SizeBlocks() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// IOHandle implements Descriptor. Memory devices are cheap enough that the
// descriptor hands back itself rather than allocating a distinct handle.
func (m *Memory) IOHandle(ctx context.Context) (Handle, error) {
	return m, nil
}

func (m *Memory) shardRange(off, length int64) (start, end int) {
	start = int(off / shardSize)
	end = int((off + length - 1) / shardSize)
	if end >= len(m.shards) {
		end = len(m.shards) - 1
	}
	return start, end
}

// ReadBlocks implements Handle.
func (m *Memory) ReadBlocks(ctx context.Context, offsetBlk, numBlocks uint64, buf []byte) error {
	if err := m.fault("read", offsetBlk, numBlocks); err != nil {
		return err
	}
	off := int64(offsetBlk) * int64(m.blockSize)
	length := int64(numBlocks) * int64(m.blockSize)
	if off+length > int64(len(m.data)) {
		return fmt.Errorf("device %s: read [%d,%d) out of range", m.name, offsetBlk, offsetBlk+numBlocks)
	}
	if int64(len(buf)) < length {
		return fmt.Errorf("device %s: read buffer too small (%d < %d)", m.name, len(buf), length)
	}

	startShard, endShard := m.shardRange(off, length)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RLock()
	}
	copy(buf[:length], m.data[off:off+length])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].RUnlock()
	}
	return nil
}

// WriteBlocks implements Handle.
func (m *Memory) WriteBlocks(ctx context.Context, offsetBlk, numBlocks uint64, buf []byte) error {
	if err := m.fault("write", offsetBlk, numBlocks); err != nil {
		return err
	}
	off := int64(offsetBlk) * int64(m.blockSize)
	length := int64(numBlocks) * int64(m.blockSize)
	if off+length > int64(len(m.data)) {
		return fmt.Errorf("device %s: write [%d,%d) out of range", m.name, offsetBlk, offsetBlk+numBlocks)
	}
	if int64(len(buf)) < length {
		return fmt.Errorf("device %s: write buffer too small (%d < %d)", m.name, len(buf), length)
	}

	startShard, endShard := m.shardRange(off, length)
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Lock()
	}
	copy(m.data[off:off+length], buf[:length])
	for i := startShard; i <= endShard; i++ {
		m.shards[i].Unlock()
	}
	return nil
}

// Fill writes a repeating byte pattern across the whole device. Test helper.
func (m *Memory) Fill(b byte) {
	for i := range m.shards {
		m.shards[i].Lock()
	}
	for i := range m.data {
		m.data[i] = b
	}
	for i := range m.shards {
		m.shards[i].Unlock()
	}
}

// Bytes returns a copy of the device's full contents. Test helper.
func (m *Memory) Bytes() []byte {
	for i := range m.shards {
		m.shards[i].RLock()
	}
	out := make([]byte, len(m.data))
	copy(out, m.data)
	for i := range m.shards {
		m.shards[i].RUnlock()
	}
	return out
}

var (
	_ Descriptor = (*Memory)(nil)
	_ Handle     = (*Memory)(nil)
)
