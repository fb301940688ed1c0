package pipeline

import (
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/atlas"
)

const (
	// DefaultChunkSize is the capacity of each staging buffer chunk.
	DefaultChunkSize = 10 * 1024

	copyAlign         = 4
	stagingWarnChunks = 32
	recallTimeout     = time.Millisecond
)

// StagingBelt streams per-frame data into GPU buffers through a pool
// of reusable staging chunks.
//
// The per-frame protocol is: any number of Write calls, then Finish
// before submitting the encoder, passing the returned fence and value
// to the submit, then Recall once the frame is in flight. Recall
// returns chunks whose submission completed to the pool; without it
// the belt allocates fresh chunks every frame and grows without bound.
type StagingBelt struct {
	device     hal.Device
	chunkSize  uint64
	fence      hal.Fence
	fenceValue uint64
	active     []*stagingChunk
	inflight   []*stagingBatch
	free       []*stagingChunk
	chunkCount int
}

// stagingChunk is one staging buffer being filled front to back.
type stagingChunk struct {
	buffer   hal.Buffer
	capacity uint64
	offset   uint64
}

// stagingBatch is the set of chunks sealed by one Finish, reclaimable
// once the fence reaches value.
type stagingBatch struct {
	value  uint64
	chunks []*stagingChunk
}

// NewStagingBelt creates a belt allocating chunks of the given size.
// A chunkSize of zero selects DefaultChunkSize. With a nil device the
// belt tracks chunk bookkeeping but performs no GPU work.
func NewStagingBelt(device hal.Device, chunkSize uint64) (*StagingBelt, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	b := &StagingBelt{device: device, chunkSize: chunkSize}
	if device != nil {
		fence, err := device.CreateFence()
		if err != nil {
			return nil, fmt.Errorf("pipeline: create staging fence: %w", err)
		}
		b.fence = fence
	}
	return b, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// Write copies data into dst at dstOffset via a staging chunk,
// recording the GPU-side copy on encoder. The write lands when the
// encoder's command buffer is submitted.
func (b *StagingBelt) Write(queue hal.Queue, encoder hal.CommandEncoder, dst hal.Buffer, dstOffset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	size := alignUp(uint64(len(data)), copyAlign)
	chunk, err := b.chunkFor(size)
	if err != nil {
		return err
	}
	if queue != nil && chunk.buffer != nil {
		queue.WriteBuffer(chunk.buffer, chunk.offset, data)
	}
	if encoder != nil && chunk.buffer != nil && dst != nil {
		encoder.CopyBufferToBuffer(chunk.buffer, dst, []hal.BufferCopy{
			{SrcOffset: chunk.offset, DstOffset: dstOffset, Size: size},
		})
	}
	chunk.offset += size
	return nil
}

// chunkFor returns an active chunk with size bytes of room, reusing a
// reclaimed chunk or allocating a new one as needed.
func (b *StagingBelt) chunkFor(size uint64) (*stagingChunk, error) {
	for _, c := range b.active {
		if c.capacity-c.offset >= size {
			return c, nil
		}
	}
	for i, c := range b.free {
		if c.capacity >= size {
			b.free = append(b.free[:i], b.free[i+1:]...)
			c.offset = 0
			b.active = append(b.active, c)
			return c, nil
		}
	}
	return b.allocChunk(max(size, b.chunkSize))
}

func (b *StagingBelt) allocChunk(capacity uint64) (*stagingChunk, error) {
	var buffer hal.Buffer
	if b.device != nil {
		buf, err := b.device.CreateBuffer(&hal.BufferDescriptor{
			Label: "staging-chunk",
			Size:  capacity,
			Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("pipeline: create staging chunk: %w", err)
		}
		buffer = buf
	}
	b.chunkCount++
	if b.chunkCount > stagingWarnChunks {
		atlas.Logger().Warn("staging belt keeps growing; poll Recall once per frame",
			"chunks", b.chunkCount)
	}
	c := &stagingChunk{buffer: buffer, capacity: capacity}
	b.active = append(b.active, c)
	return c, nil
}

// Finish seals the chunks written since the previous Finish and
// returns the fence and value the caller must signal when submitting
// the frame's command buffer.
func (b *StagingBelt) Finish() (hal.Fence, uint64) {
	b.fenceValue++
	if len(b.active) > 0 {
		b.inflight = append(b.inflight, &stagingBatch{value: b.fenceValue, chunks: b.active})
		b.active = nil
	}
	return b.fence, b.fenceValue
}

// Recall returns chunks whose submissions have completed to the free
// pool. It polls the fence without blocking beyond a minimal timeout,
// so batches still in flight stay put until a later call.
func (b *StagingBelt) Recall() {
	done := 0
	for _, batch := range b.inflight {
		if b.device != nil {
			ok, err := b.device.Wait(b.fence, batch.value, recallTimeout)
			if err != nil || !ok {
				break
			}
		}
		b.free = append(b.free, batch.chunks...)
		done++
	}
	if done > 0 {
		b.inflight = append(b.inflight[:0], b.inflight[done:]...)
	}
}

// Destroy releases every chunk and the fence. The belt must not be
// used afterwards.
func (b *StagingBelt) Destroy() {
	if b.device != nil {
		for _, c := range b.active {
			if c.buffer != nil {
				b.device.DestroyBuffer(c.buffer)
			}
		}
		for _, batch := range b.inflight {
			for _, c := range batch.chunks {
				if c.buffer != nil {
					b.device.DestroyBuffer(c.buffer)
				}
			}
		}
		for _, c := range b.free {
			if c.buffer != nil {
				b.device.DestroyBuffer(c.buffer)
			}
		}
		if b.fence != nil {
			b.device.DestroyFence(b.fence)
			b.fence = nil
		}
	}
	b.active = nil
	b.inflight = nil
	b.free = nil
}
