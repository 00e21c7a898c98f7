package i2s

import (
	"sync/atomic"
)

// DefaultSilenceSamples is the number of silent frames transferred when no buffer is ready.
const DefaultSilenceSamples = 256

// ChannelState is the transfer state of one DAC channel.
type ChannelState uint32

const (
	StateEmpty   ChannelState = iota // Nothing in flight, transfer engine idle.
	StateLoaded                      // A buffer is being transferred.
	StateSilence                     // The silence word is being transferred.
)

// ChannelStateNames maps channel states to their human-readable names.
var ChannelStateNames = map[ChannelState]string{
	StateEmpty:   "EMPTY",
	StateLoaded:  "LOADED",
	StateSilence: "SILENCE",
}

// String returns the name of the state.
func (s ChannelState) String() string {
	return ChannelStateNames[s]
}

// ChannelStats holds the transfer counters of one channel.
type ChannelStats struct {
	State ChannelState
	// Commits counts transfers armed, both buffers and silence.
	Commits uint64
	// Completions counts completion interrupts handled.
	Completions uint64
	// Abandoned counts transfers cut short by disabling the output.
	Abandoned uint64
	// Underruns counts silence transfers committed for lack of data.
	Underruns uint64
}

// inflight is the single buffer slot of a channel. It is written only from the completion
// handler or from the producer side while the channel's interrupt source is masked.
type inflight struct {
	buf atomic.Pointer[Buffer]
}

// claim empties the slot and returns the buffer it held, if any.
func (s *inflight) claim() *Buffer {
	return s.buf.Swap(nil)
}

// install places b in the empty slot.
func (s *inflight) install(b *Buffer) {
	if !s.buf.CompareAndSwap(nil, b) {
		panic(contractf("in-flight slot already occupied"))
	}
}

// channel is the transfer scheduler of one DAC: it keeps exactly one transfer armed at all
// times, falling back to silence when its consumer pool has nothing ready.
type channel struct {
	index   int
	dma     int
	sm      int
	irq     int
	xfer    TransferEngine
	format  BufferFormat
	silence []byte
	samples int

	consumer atomic.Pointer[BufferPool]
	// producer feeds consumer. Guarded by the driver's mutex.
	producer *BufferPool
	slot     inflight
	state    atomic.Uint32

	commits     atomic.Uint64
	completions atomic.Uint64
	abandoned   atomic.Uint64
	underruns   atomic.Uint64
}

func newChannel(index, dma, sm, irq int, xfer TransferEngine, format AudioFormat, silenceSamples int) *channel {
	bf := NewBufferFormat(format)

	return &channel{
		index:   index,
		dma:     dma,
		sm:      sm,
		irq:     irq,
		xfer:    xfer,
		format:  bf,
		silence: make([]byte, bf.Stride),
		samples: silenceSamples,
	}
}

func (c *channel) transferSize() TransferSize {
	if c.format.Stride == 2 {
		return TransferSize16
	}

	return TransferSize32
}

// start arms the next transfer: the next ready buffer, or the silence word.
func (c *channel) start() {
	var b *Buffer
	pool := c.consumer.Load()
	if pool != nil {
		b = pool.Take(false)
	}

	if b != nil {
		c.validate(b)

		// An empty buffer goes straight back and the slot plays silence instead.
		if b.SampleCount == 0 {
			pool.Give(b)
			b = nil
		}
	}

	c.commits.Add(1)

	if b == nil {
		c.underruns.Add(1)
		c.state.Store(uint32(StateSilence))
		c.xfer.Start(c.dma, c.silence, c.samples, false)

		return
	}

	c.slot.install(b)
	c.state.Store(uint32(StateLoaded))
	c.xfer.Start(c.dma, b.Bytes, b.SampleCount, true)
}

func (c *channel) validate(b *Buffer) {
	f := b.pool.format
	if f.Format.Encoding != c.format.Format.Encoding || f.Format.Channels != c.format.Format.Channels || f.Stride != c.format.Stride {
		panic(contractf("channel %d: buffer format %v stride %d, want %v stride %d",
			c.index, f.Format, f.Stride, c.format.Format, c.format.Stride))
	}

	if b.SampleCount < 0 || b.SampleCount > b.MaxSampleCount {
		panic(contractf("channel %d: buffer sample count %d of %d", c.index, b.SampleCount, b.MaxSampleCount))
	}
}

// complete handles a transfer completion: the finished buffer goes back to the consumer pool
// and the next transfer is armed.
func (c *channel) complete() {
	c.completions.Add(1)
	c.reclaim()
	c.start()
}

func (c *channel) reclaim() {
	if b := c.slot.claim(); b != nil {
		c.consumer.Load().Give(b)
	}
}

// handle services the channel's completion flag. It runs in interrupt context.
func (c *channel) handle() {
	if !c.xfer.Pending(c.irq, c.dma) {
		return
	}

	c.xfer.Acknowledge(c.irq, c.dma)
	c.complete()
}

func (c *channel) mask() {
	c.xfer.SetInterruptEnabled(c.irq, c.dma, false)
}

func (c *channel) unmask() {
	c.xfer.SetInterruptEnabled(c.irq, c.dma, true)
}

// arm discards a stale completion and starts the first transfer. The source must be masked.
func (c *channel) arm() {
	c.xfer.Acknowledge(c.irq, c.dma)
	c.start()
}

// drain abandons the current transfer and returns its buffer. The source must be masked.
func (c *channel) drain() {
	if ChannelState(c.state.Load()) != StateEmpty {
		c.abandoned.Add(1)
	}
	c.xfer.Acknowledge(c.irq, c.dma)
	c.reclaim()
	if pool := c.consumer.Load(); pool != nil {
		if r, ok := pool.Connection().(resetter); ok {
			r.reset()
		}
	}
	c.state.Store(uint32(StateEmpty))
}

func (c *channel) stats() ChannelStats {
	return ChannelStats{
		State:       ChannelState(c.state.Load()),
		Commits:     c.commits.Load(),
		Completions: c.completions.Load(),
		Abandoned:   c.abandoned.Load(),
		Underruns:   c.underruns.Load(),
	}
}

func (c *channel) poolStats() PoolStats {
	if pool := c.consumer.Load(); pool != nil {
		return pool.Stats()
	}

	return PoolStats{}
}
