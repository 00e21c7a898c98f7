package i2s

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// DefaultBufferCount is the number of consumer buffers allocated by Connect.
	DefaultBufferCount = 2
	// DefaultSamplesPerBuffer is the capacity in frames of each consumer buffer allocated by Connect.
	DefaultSamplesPerBuffer = 256
)

// Buffer ownership states.
const (
	bufferFree uint32 = iota
	bufferFull
	bufferOut
)

// Buffer is a fixed-capacity run of interleaved frames owned by exactly one party at a time.
type Buffer struct {
	// Bytes is the whole backing region, MaxSampleCount*Stride bytes long. It lives in the pool's
	// mapped memory, so neither Bytes nor Data may be retained after the pool is closed or dropped.
	Bytes []byte
	// SampleCount is the number of valid frames in Bytes.
	SampleCount int
	// MaxSampleCount is the capacity of the buffer in frames.
	MaxSampleCount int

	pool  *BufferPool
	state atomic.Uint32
}

// Pool returns the pool that allocated the buffer.
func (b *Buffer) Pool() *BufferPool {
	return b.pool
}

// Format returns the format of the pool that allocated the buffer.
func (b *Buffer) Format() BufferFormat {
	return b.pool.Format()
}

// Data returns the valid part of Bytes. The slice is only valid while the pool is open.
func (b *Buffer) Data() []byte {
	return b.Bytes[:b.SampleCount*b.pool.format.Stride]
}

// PoolRole selects which pair of connection hooks a pool's Take and Give dispatch to.
type PoolRole int

const (
	RoleProducer PoolRole = iota
	RoleConsumer
)

// PoolStats is a snapshot of where a pool's buffers are.
type PoolStats struct {
	Total int
	Free  int
	Full  int
	Out   int
}

// BufferPool owns a fixed set of buffers, each of which is at any instant on the free list,
// on the full list, or handed out to exactly one owner.
type BufferPool struct {
	format BufferFormat
	rate   atomic.Uint32
	role   PoolRole

	buffers []*Buffer
	free    bufferList
	full    bufferList
	out     atomic.Int32

	conn  atomic.Pointer[connectionRef]
	local DefaultConnection

	mem *poolMemory
}

// poolMemory owns the backing region of a pool. It is kept outside the pool/buffer
// reference cycle so its finalizer can run.
type poolMemory struct {
	bytes   []byte
	release func()
	once    sync.Once
}

func (m *poolMemory) free() {
	m.once.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

type connectionRef struct {
	Connection
}

// NewProducerPool allocates a pool of count buffers of samplesPerBuffer frames for a producer.
// All buffers start on the free list.
func NewProducerPool(format AudioFormat, count, samplesPerBuffer int) (*BufferPool, error) {
	return newBufferPool(format, RoleProducer, count, samplesPerBuffer)
}

func newConsumerPool(format AudioFormat, count, samplesPerBuffer int) (*BufferPool, error) {
	return newBufferPool(format, RoleConsumer, count, samplesPerBuffer)
}

func newBufferPool(format AudioFormat, role PoolRole, count, samplesPerBuffer int) (*BufferPool, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	if count < 0 || (count > 0 && samplesPerBuffer <= 0) {
		return nil, fmt.Errorf("%w: %d buffers of %d samples", ErrInvalidConfig, count, samplesPerBuffer)
	}

	p := &BufferPool{
		format:  NewBufferFormat(format),
		role:    role,
		buffers: make([]*Buffer, count),
	}
	p.free.init(count)
	p.full.init(count)
	p.rate.Store(format.SampleRate)
	p.local = DefaultConnection{producer: p, consumer: p}

	size := p.format.Stride * samplesPerBuffer
	if count > 0 {
		bytes, release, err := allocBufferMemory(size * count)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate %d bytes of buffer memory: %w", size*count, err)
		}
		p.mem = &poolMemory{bytes: bytes, release: release}
		runtime.SetFinalizer(p.mem, (*poolMemory).free)
	}

	for i := range p.buffers {
		b := &Buffer{
			Bytes:          p.mem.bytes[i*size : (i+1)*size : (i+1)*size],
			MaxSampleCount: samplesPerBuffer,
			pool:           p,
		}
		p.buffers[i] = b
		p.free.push(b)
	}

	return p, nil
}

// Close releases the pool's buffer memory. No buffer of the pool may be used afterwards.
func (p *BufferPool) Close() error {
	if p.mem != nil {
		p.mem.free()
	}

	return nil
}

// Format returns the pool's buffer format with its current sample rate.
func (p *BufferPool) Format() BufferFormat {
	f := p.format
	f.Format.SampleRate = p.rate.Load()

	return f
}

// SampleRate returns the pool's current sample rate.
func (p *BufferPool) SampleRate() uint32 {
	return p.rate.Load()
}

// SetSampleRate changes the sample rate of a producer pool. The output picks up the change
// at the next buffer handoff. Encoding and channel count are fixed for the life of the pool.
func (p *BufferPool) SetSampleRate(hz uint32) error {
	if hz == 0 {
		return fmt.Errorf("%w: sample rate must be greater than zero", ErrInvalidFormat)
	}

	p.rate.Store(hz)

	return nil
}

// Role returns whether the pool is a producer or a consumer pool.
func (p *BufferPool) Role() PoolRole {
	return p.role
}

// Connection returns the connection bound to the pool, or nil.
func (p *BufferPool) Connection() Connection {
	if ref := p.conn.Load(); ref != nil {
		return ref.Connection
	}

	return nil
}

func (p *BufferPool) setConnection(c Connection) {
	p.conn.Store(&connectionRef{c})
}

// detach removes c if it is still the pool's connection. Take and Give then fall back to the pool's own lists.
func (p *BufferPool) detach(c Connection) {
	if ref := p.conn.Load(); ref != nil && ref.Connection == c {
		p.conn.CompareAndSwap(ref, nil)
	}
}

func (p *BufferPool) hooks() Connection {
	if c := p.Connection(); c != nil {
		return c
	}

	return &p.local
}

// Take hands out a buffer through the pool's connection: a free buffer to fill for a producer
// pool, the next buffer to play for a consumer pool. With block false it returns nil immediately
// when none is available; with block true it waits and must not be used from the real-time path.
func (p *BufferPool) Take(block bool) *Buffer {
	if p.role == RoleProducer {
		return p.hooks().ProducerTake(block)
	}

	return p.hooks().ConsumerTake(block)
}

// Give returns a buffer obtained from Take through the pool's connection: a filled buffer
// for a producer pool, a drained buffer for a consumer pool.
func (p *BufferPool) Give(b *Buffer) {
	if p.role == RoleProducer {
		p.hooks().ProducerGive(b)
		return
	}

	p.hooks().ConsumerGive(b)
}

// TakeFree removes a buffer from the free list.
func (p *BufferPool) TakeFree(block bool) *Buffer {
	return p.take(&p.free, bufferFree, block)
}

// TakeFull removes the oldest buffer from the full list.
func (p *BufferPool) TakeFull(block bool) *Buffer {
	return p.take(&p.full, bufferFull, block)
}

// QueueFree puts a handed out buffer back on the free list.
// It panics if the buffer belongs to another pool or is not currently handed out.
func (p *BufferPool) QueueFree(b *Buffer) {
	p.queue(&p.free, bufferFree, b)
}

// QueueFull appends a handed out buffer to the full list.
// It panics if the buffer belongs to another pool or is not currently handed out.
func (p *BufferPool) QueueFull(b *Buffer) {
	p.queue(&p.full, bufferFull, b)
}

// Stats returns a snapshot of the pool's occupancy.
func (p *BufferPool) Stats() PoolStats {
	return PoolStats{
		Total: len(p.buffers),
		Free:  p.free.len(),
		Full:  p.full.len(),
		Out:   int(p.out.Load()),
	}
}

func (p *BufferPool) take(l *bufferList, from uint32, block bool) *Buffer {
	var b *Buffer
	if block {
		b = l.popWait()
	} else {
		b = l.pop()
	}

	if b == nil {
		return nil
	}

	if !b.state.CompareAndSwap(from, bufferOut) {
		panic(contractf("buffer %p listed in state %d", b, b.state.Load()))
	}
	p.out.Add(1)

	return b
}

func (p *BufferPool) queue(l *bufferList, to uint32, b *Buffer) {
	if b == nil {
		panic(contractf("nil buffer given to pool"))
	}

	if b.pool != p {
		panic(contractf("buffer %p given to a pool that did not allocate it", b))
	}

	if !b.state.CompareAndSwap(bufferOut, to) {
		panic(contractf("buffer %p given twice", b))
	}
	p.out.Add(-1)

	l.push(b)
}

// bufferList is a bounded FIFO of buffers. Blocking pops wait on ready, which holds a
// token whenever the list may be non-empty.
type bufferList struct {
	mu    sync.Mutex
	items []*Buffer
	head  int
	n     int
	ready chan struct{}
}

func (l *bufferList) init(capacity int) {
	l.items = make([]*Buffer, capacity)
	l.ready = make(chan struct{}, 1)
}

func (l *bufferList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.n
}

func (l *bufferList) push(b *Buffer) {
	l.mu.Lock()
	if l.n == len(l.items) {
		l.mu.Unlock()
		panic(contractf("buffer list overflow"))
	}
	l.items[(l.head+l.n)%len(l.items)] = b
	l.n++
	l.mu.Unlock()

	l.signal()
}

func (l *bufferList) pop() *Buffer {
	l.mu.Lock()
	if l.n == 0 {
		l.mu.Unlock()
		return nil
	}
	b := l.items[l.head]
	l.items[l.head] = nil
	l.head = (l.head + 1) % len(l.items)
	l.n--
	more := l.n > 0
	l.mu.Unlock()

	if more {
		l.signal()
	}

	return b
}

func (l *bufferList) popWait() *Buffer {
	for {
		if b := l.pop(); b != nil {
			return b
		}
		<-l.ready
	}
}

func (l *bufferList) signal() {
	select {
	case l.ready <- struct{}{}:
	default:
	}
}
