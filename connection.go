package i2s

import (
	"fmt"
)

// Connection links a producer pool to a consumer pool. Each pool's Take and Give dispatch to
// the hooks for its role, so a connection can convert or re-route buffers without the
// producer or the transfer scheduler knowing.
//
// Custom connections embed DefaultConnection and override the hooks they need.
type Connection interface {
	// Bind attaches the connection to its pools. It fails if the pools' formats cannot be joined.
	Bind(producer, consumer *BufferPool) error
	ProducerTake(block bool) *Buffer
	ProducerGive(b *Buffer)
	ConsumerTake(block bool) *Buffer
	ConsumerGive(b *Buffer)
}

// Connect binds c to producer and consumer and installs it on both pools.
func Connect(producer, consumer *BufferPool, c Connection) error {
	if producer == nil || consumer == nil || c == nil {
		return fmt.Errorf("%w: nil pool or connection", ErrInvalidConfig)
	}

	if err := c.Bind(producer, consumer); err != nil {
		return err
	}

	producer.setConnection(c)
	consumer.setConnection(c)

	return nil
}

// DefaultConnection forwards every hook to the corresponding list of the hook's own pool:
// producers take free buffers and queue them full, consumers take full buffers and queue them free.
type DefaultConnection struct {
	producer *BufferPool
	consumer *BufferPool
}

// Bind implements Connection.
func (c *DefaultConnection) Bind(producer, consumer *BufferPool) error {
	c.producer, c.consumer = producer, consumer

	return nil
}

// Producer returns the bound producer pool.
func (c *DefaultConnection) Producer() *BufferPool { return c.producer }

// Consumer returns the bound consumer pool.
func (c *DefaultConnection) Consumer() *BufferPool { return c.consumer }

// ProducerTake implements Connection.
func (c *DefaultConnection) ProducerTake(block bool) *Buffer {
	return c.producer.TakeFree(block)
}

// ProducerGive implements Connection.
func (c *DefaultConnection) ProducerGive(b *Buffer) {
	c.producer.QueueFull(b)
}

// ConsumerTake implements Connection.
func (c *DefaultConnection) ConsumerTake(block bool) *Buffer {
	return c.consumer.TakeFull(block)
}

// ConsumerGive implements Connection.
func (c *DefaultConnection) ConsumerGive(b *Buffer) {
	c.consumer.QueueFree(b)
}

// rateWatch tracks the producer's sample rate for connections attached to an output.
type rateWatch struct {
	rate *rateController
}

func (w *rateWatch) setRateController(r *rateController) {
	w.rate = r
}

func (w *rateWatch) check(producer *BufferPool) {
	if w.rate != nil {
		w.rate.check(producer.SampleRate())
	}
}

type rateAware interface {
	setRateController(r *rateController)
}

// resetter is implemented by connections that hold producer data between consumer takes.
type resetter interface {
	reset()
}

// disconnect undoes a connection installed by an output: held producer data is returned,
// the connection is removed from both pools and the consumer pool's memory is released.
func disconnect(producer, consumer *BufferPool) {
	conn := consumer.Connection()
	if r, ok := conn.(resetter); ok {
		r.reset()
	}

	if conn != nil {
		if producer != nil {
			producer.detach(conn)
		}
		consumer.detach(conn)
	}

	_ = consumer.Close()
}

// PassThrough hands producer buffers to the consumer side without copying. The consumer takes
// directly from the producer's full list and returns drained buffers to the producer's free list.
// Both pools must carry the same encoding and channel count.
type PassThrough struct {
	DefaultConnection
	rateWatch
}

// Bind implements Connection.
func (c *PassThrough) Bind(producer, consumer *BufferPool) error {
	pf, cf := producer.Format(), consumer.Format()
	if pf.Format.Encoding != cf.Format.Encoding || pf.Format.Channels != cf.Format.Channels {
		return fmt.Errorf("%w: pass-through requires matching formats, got %v and %v", ErrUnsupportedFormat, pf.Format, cf.Format)
	}

	return c.DefaultConnection.Bind(producer, consumer)
}

// ConsumerTake implements Connection.
func (c *PassThrough) ConsumerTake(block bool) *Buffer {
	c.check(c.producer)

	return c.producer.TakeFull(block)
}

// ConsumerGive implements Connection.
func (c *PassThrough) ConsumerGive(b *Buffer) {
	c.producer.QueueFree(b)
}

// ConvertOnTake converts producer data into consumer buffers when the consumer takes one.
// A producer buffer is returned to its pool as soon as all of its frames have been copied,
// and may be spread over several consumer buffers.
type ConvertOnTake struct {
	DefaultConnection
	rateWatch

	conv    converter
	current *Buffer
	pos     int
}

// Bind implements Connection.
func (c *ConvertOnTake) Bind(producer, consumer *BufferPool) error {
	conv, err := selectConverter(producer.Format().Format, consumer.Format().Format.Channels)
	if err != nil {
		return err
	}
	c.conv = conv
	c.current, c.pos = nil, 0

	return c.DefaultConnection.Bind(producer, consumer)
}

// ConsumerTake implements Connection. It returns nil when the producer has nothing queued.
func (c *ConvertOnTake) ConsumerTake(block bool) *Buffer {
	c.check(c.producer)

	out := c.consumer.TakeFree(block)
	if out == nil {
		return nil
	}

	n := 0
	for n < out.MaxSampleCount {
		if c.current == nil {
			c.current = c.producer.TakeFull(block)
			c.pos = 0
			if c.current == nil {
				break
			}
		}

		frames := min(out.MaxSampleCount-n, c.current.SampleCount-c.pos)
		c.conv.convert(out.Bytes[n*c.conv.dstStride:], c.current.Bytes[c.pos*c.conv.srcStride:], frames)
		n += frames
		c.pos += frames

		if c.pos >= c.current.SampleCount {
			c.producer.QueueFree(c.current)
			c.current = nil
		}
	}

	if n == 0 {
		c.consumer.QueueFree(out)
		return nil
	}
	out.SampleCount = n

	return out
}

// reset returns a partly consumed producer buffer to its pool.
func (c *ConvertOnTake) reset() {
	if c.current != nil {
		c.producer.QueueFree(c.current)
		c.current, c.pos = nil, 0
	}
}

// ConvertOnGive converts producer data into consumer buffers when the producer gives a buffer,
// waiting for free consumer buffers as needed. Use it when the producer may block.
type ConvertOnGive struct {
	DefaultConnection
	rateWatch

	conv converter
}

// Bind implements Connection.
func (c *ConvertOnGive) Bind(producer, consumer *BufferPool) error {
	conv, err := selectConverter(producer.Format().Format, consumer.Format().Format.Channels)
	if err != nil {
		return err
	}
	c.conv = conv

	return c.DefaultConnection.Bind(producer, consumer)
}

// ProducerGive implements Connection. The producer buffer is back on its free list when it returns.
func (c *ConvertOnGive) ProducerGive(b *Buffer) {
	c.check(c.producer)

	pos := 0
	for pos < b.SampleCount {
		out := c.consumer.TakeFree(true)

		frames := min(out.MaxSampleCount, b.SampleCount-pos)
		c.conv.convert(out.Bytes, b.Bytes[pos*c.conv.srcStride:], frames)
		out.SampleCount = frames
		pos += frames

		c.consumer.QueueFull(out)
	}

	c.producer.QueueFree(b)
}

var (
	_ Connection = (*DefaultConnection)(nil)
	_ Connection = (*PassThrough)(nil)
	_ Connection = (*ConvertOnTake)(nil)
	_ Connection = (*ConvertOnGive)(nil)
)
