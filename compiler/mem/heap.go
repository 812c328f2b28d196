// Package mem manages the emulated GPU memory a compiled kernel runs
// against: a heap of free ranges inside a buffer object, handed out
// as shared arrays for code, uniforms and user data.
package mem

import (
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

type (
	// Heap tracks allocated and freed space. Allocation is first-fit
	// over the free list; deallocation merges adjacent free ranges.
	Heap struct {
		size   uint32
		offset uint32

		free []freeRange
	}

	freeRange struct {
		left  uint32
		right uint32 // one past the last byte
	}
)

var ErrHeapOverflow = errors.New("heap overflow")

func NewHeap(size uint32) *Heap {
	return &Heap{size: size}
}

func (h *Heap) Size() uint32 { return h.size }

func (h *Heap) Empty() bool { return h.offset == 0 }

// NumFreeRanges is exposed for tests.
func (h *Heap) NumFreeRanges() int { return len(h.free) }

// Alloc reserves n bytes and returns their offset.
func (h *Heap) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, errors.Wrap(ErrHeapOverflow, "zero-size allocation")
	}

	for i, r := range h.free {
		if r.right-r.left < n {
			continue
		}

		off := r.left

		if r.right-r.left == n {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i].left += n
		}

		return off, nil
	}

	if h.offset+n > h.size {
		return 0, errors.Wrap(ErrHeapOverflow, "%d bytes requested, %d free", n, h.size-h.offset)
	}

	off := h.offset
	h.offset += n

	return off, nil
}

// Dealloc returns a range to the free list, merging with neighbours.
func (h *Heap) Dealloc(offset, n uint32) {
	r := freeRange{left: offset, right: offset + n}

	// insert sorted by offset
	at := len(h.free)

	for i, f := range h.free {
		if f.left > r.left {
			at = i
			break
		}
	}

	h.free = append(h.free, freeRange{})
	copy(h.free[at+1:], h.free[at:])
	h.free[at] = r

	h.merge()
}

func (h *Heap) merge() {
	out := h.free[:0]

	for _, r := range h.free {
		if l := len(out); l != 0 && out[l-1].right == r.left {
			out[l-1].right = r.right
			continue
		}

		out = append(out, r)
	}

	// trailing free range shrinks the bump offset back
	if l := len(out); l != 0 && out[l-1].right == h.offset {
		h.offset = out[l-1].left
		out = out[:l-1]
	}

	h.free = out
}

type (
	// BufferObject is a word-addressed chunk of emulated GPU memory.
	// Addresses handed to kernels are byte offsets into it.
	BufferObject struct {
		heap *Heap
		mem  []uint32
	}

	// SharedArray is one allocation inside a buffer object, visible
	// to both host and (emulated) GPU.
	SharedArray struct {
		bo   *BufferObject
		off  uint32 // bytes
		size uint32 // words
	}
)

func NewBufferObject(words uint32) *BufferObject {
	b := &BufferObject{
		heap: NewHeap(words * 4),
		mem:  make([]uint32, words),
	}

	// burn word zero so no valid address is ever zero
	_, _ = b.heap.Alloc(4)

	return b
}

func (b *BufferObject) Heap() *Heap { return b.heap }

// Alloc reserves a shared array of the given number of 32-bit words.
func (b *BufferObject) Alloc(words uint32) (*SharedArray, error) {
	off, err := b.heap.Alloc(words * 4)
	if err != nil {
		return nil, errors.Wrap(err, "buffer object")
	}

	tlog.V("mem").Printw("shared array", "offset", off, "words", words)

	return &SharedArray{bo: b, off: off, size: words}, nil
}

// Word reads the word at a byte address. The emulated driver resolves
// kernel pointers through this.
func (b *BufferObject) Word(addr uint32) uint32 {
	return b.mem[addr/4]
}

func (b *BufferObject) SetWord(addr uint32, v uint32) {
	b.mem[addr/4] = v
}

// Addr is the bus address the GPU sees; slot 0 is offset by one word
// so no valid address is ever zero.
func (s *SharedArray) Addr() uint32 { return s.off }

func (s *SharedArray) Len() int { return int(s.size) }

func (s *SharedArray) Get(i int) uint32 {
	return s.bo.mem[int(s.off/4)+i]
}

func (s *SharedArray) Set(i int, v uint32) {
	s.bo.mem[int(s.off/4)+i] = v
}

func (s *SharedArray) Dealloc() {
	s.bo.heap.Dealloc(s.off, s.size*4)
	s.size = 0
}
