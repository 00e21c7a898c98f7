package i2s

import (
	"fmt"
	"sync"
)

// Config holds the hardware parameters of a single-DAC output.
type Config struct {
	DataPin      int
	ClockPinBase int // Bit clock on ClockPinBase, word select on ClockPinBase+1.
	DMAChannel   int
	StateMachine int
	DMAIRQ       int // 0 or 1.
	// MonoOutput sends one 16-bit sample per frame instead of a stereo pair.
	MonoOutput bool
	// SilenceSamples is the length of the silence transfer used on underrun. Zero selects DefaultSilenceSamples.
	SilenceSamples int
}

// DefaultConfig returns the configuration used when Setup is given a nil config.
func DefaultConfig() Config {
	return Config{
		DataPin:        28,
		ClockPinBase:   26,
		DMAChannel:     0,
		StateMachine:   0,
		DMAIRQ:         0,
		SilenceSamples: DefaultSilenceSamples,
	}
}

func (c *Config) validate() error {
	if c.DMAIRQ != 0 && c.DMAIRQ != 1 {
		return fmt.Errorf("%w: DMA IRQ must be 0 or 1, got %d", ErrInvalidConfig, c.DMAIRQ)
	}

	if c.DataPin < 0 || c.ClockPinBase < 0 || c.DMAChannel < 0 || c.StateMachine < 0 {
		return fmt.Errorf("%w: negative pin or resource id", ErrInvalidConfig)
	}

	if c.DataPin == c.ClockPinBase || c.DataPin == c.ClockPinBase+1 {
		return fmt.Errorf("%w: data pin %d overlaps clock pins %d and %d", ErrInvalidConfig, c.DataPin, c.ClockPinBase, c.ClockPinBase+1)
	}

	if c.SilenceSamples < 0 {
		return fmt.Errorf("%w: negative silence length", ErrInvalidConfig)
	}

	return nil
}

// outputChannels returns the channel count sent to the DAC.
func outputChannels(mono bool) int {
	if mono {
		return 1
	}

	return 2
}

// driver holds the state shared by the single and multi-DAC outputs.
type driver struct {
	mu       sync.Mutex
	hw       Hardware
	irq      int
	format   AudioFormat
	channels []*channel
	rate     *rateController
	enabled  bool
	remove   func()
}

func (d *driver) handleIRQ() {
	for _, c := range d.channels {
		c.handle()
	}
}

// install registers the completion handler and opens the interrupt line. Channel sources stay masked.
func (d *driver) install(cl *claims) error {
	for _, c := range d.channels {
		c.mask()
	}

	remove, err := d.hw.Interrupt.AddSharedHandler(d.irq, d.handleIRQ)
	if err != nil {
		return fmt.Errorf("failed to add DMA IRQ %d handler: %w", d.irq, err)
	}
	cl.add(remove)
	d.remove = remove

	d.hw.Interrupt.SetEnabled(d.irq, true)

	return nil
}

// setupChannel claims and configures the transfer engine channel feeding sm.
func (d *driver) setupChannel(cl *claims, c *channel) error {
	if err := d.hw.Transfer.Claim(c.dma); err != nil {
		return fmt.Errorf("failed to claim DMA channel %d: %w", c.dma, err)
	}
	cl.add(func() { d.hw.Transfer.Unclaim(c.dma) })

	cfg := TransferConfig{
		Dest:    d.hw.Serial.TxFIFO(c.sm),
		Size:    c.transferSize(),
		Trigger: d.hw.Serial.DREQ(c.sm),
	}
	if err := d.hw.Transfer.Configure(c.dma, cfg); err != nil {
		return fmt.Errorf("failed to configure DMA channel %d: %w", c.dma, err)
	}

	return nil
}

func (d *driver) claimStateMachine(cl *claims, sm int) error {
	if err := d.hw.Serial.Claim(sm); err != nil {
		return fmt.Errorf("failed to claim state machine %d: %w", sm, err)
	}
	cl.add(func() { d.hw.Serial.Unclaim(sm) })

	return nil
}

func (d *driver) setPins(pins ...int) error {
	for _, pin := range pins {
		if err := d.hw.Pins.SetFunction(pin, PinFunctionSerial); err != nil {
			return fmt.Errorf("failed to set function of pin %d: %w", pin, err)
		}
	}

	return nil
}

// connectOptions selects how a producer is joined to a channel.
type connectOptions struct {
	narrow       bool
	bufferOnGive bool
	bufferCount  int
	samples      int
	conn         Connection
}

func (d *driver) connect(c *channel, producer *BufferPool, opts connectOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.enabled {
		return ErrEnabled
	}

	if producer == nil {
		return fmt.Errorf("%w: nil producer pool", ErrInvalidConfig)
	}

	pf := producer.Format().Format
	switch {
	case opts.narrow && pf.Encoding != EncodingS8:
		return fmt.Errorf("%w: narrow connection requires %v, got %v", ErrUnsupportedFormat, EncodingS8, pf.Encoding)
	case !opts.narrow && pf.Encoding != EncodingS16:
		return fmt.Errorf("%w: producer encoding %v", ErrUnsupportedFormat, pf.Encoding)
	case pf.Channels > c.format.Format.Channels:
		return fmt.Errorf("%w: %d channel producer on a %d channel output", ErrUnsupportedFormat, pf.Channels, c.format.Format.Channels)
	}

	if _, err := ComputeDivider(d.hw.Clock.Hz(), pf.SampleRate); err != nil {
		return err
	}

	out := c.format.Format
	out.SampleRate = pf.SampleRate

	consumer, err := newConsumerPool(out, opts.bufferCount, opts.samples)
	if err != nil {
		return err
	}

	conn := opts.conn
	if conn == nil {
		switch {
		case opts.bufferCount == 0:
			conn = &PassThrough{}
		case opts.bufferOnGive && !opts.narrow:
			conn = &ConvertOnGive{}
		default:
			conn = &ConvertOnTake{}
		}
	}

	if ra, ok := conn.(rateAware); ok {
		ra.setRateController(d.rate)
	}

	if err := Connect(producer, consumer, conn); err != nil {
		_ = consumer.Close()
		return err
	}

	if err := d.rate.connect(pf.SampleRate); err != nil {
		return err
	}

	prev := c.producer
	c.producer = producer
	if old := c.consumer.Swap(consumer); old != nil {
		disconnect(prev, old)
	}

	logf("channel %d: connected %v producer (%T, %d x %d samples)", c.index, pf, conn, opts.bufferCount, opts.samples)

	return nil
}

// Output drives a single DAC from one state machine running the combined clock and data program.
type Output struct {
	driver

	config Config
	ch     *channel
}

// Setup claims the hardware for a single-DAC output and arms, but does not start, the transfer engine.
// A nil config selects DefaultConfig. The returned format is what the DAC will be sent.
// Resources claimed before a failure are released.
func Setup(intended *AudioFormat, hw Hardware, cfg *Config) (*Output, AudioFormat, error) {
	if intended == nil {
		return nil, AudioFormat{}, fmt.Errorf("%w: nil intended format", ErrInvalidFormat)
	}

	if err := intended.Validate(); err != nil {
		return nil, AudioFormat{}, err
	}

	if err := hw.validate(); err != nil {
		return nil, AudioFormat{}, err
	}

	config := DefaultConfig()
	if cfg != nil {
		config = *cfg
	}
	if config.SilenceSamples == 0 {
		config.SilenceSamples = DefaultSilenceSamples
	}

	if err := config.validate(); err != nil {
		return nil, AudioFormat{}, err
	}

	actual := AudioFormat{
		SampleRate: intended.SampleRate,
		Encoding:   EncodingS16,
		Channels:   outputChannels(config.MonoOutput),
	}

	o := &Output{config: config}
	o.hw = hw
	o.irq = config.DMAIRQ
	o.format = actual
	o.ch = newChannel(0, config.DMAChannel, config.StateMachine, config.DMAIRQ, hw.Transfer, actual, config.SilenceSamples)
	o.channels = []*channel{o.ch}
	o.rate = newRateController(hw.Serial, hw.Clock, config.StateMachine)

	var cl claims
	if err := o.setup(&cl); err != nil {
		cl.rollback()
		return nil, AudioFormat{}, err
	}

	logf("setup %v on pins data=%d clock=%d,%d sm=%d dma=%d", actual, config.DataPin, config.ClockPinBase, config.ClockPinBase+1, config.StateMachine, config.DMAChannel)

	return o, actual, nil
}

func (o *Output) setup(cl *claims) error {
	c := o.config

	if err := o.setPins(c.DataPin, c.ClockPinBase, c.ClockPinBase+1); err != nil {
		return err
	}

	if err := o.claimStateMachine(cl, c.StateMachine); err != nil {
		return err
	}

	h, err := o.hw.Serial.Load(ProgramI2S)
	if err != nil {
		return fmt.Errorf("failed to load %v program: %w", ProgramI2S, err)
	}

	if err := o.hw.Serial.Init(c.StateMachine, h, PinConfig{Data: c.DataPin, ClockBase: c.ClockPinBase}); err != nil {
		return fmt.Errorf("failed to init state machine %d: %w", c.StateMachine, err)
	}

	if err := o.setupChannel(cl, o.ch); err != nil {
		return err
	}

	if err := o.rate.apply(o.format.SampleRate); err != nil {
		return err
	}

	return o.install(cl)
}

// Config returns the configuration the output was set up with.
func (o *Output) Config() Config {
	return o.config
}

// Format returns the format sent to the DAC, with the current sample rate.
func (o *Output) Format() AudioFormat {
	f := o.format
	f.SampleRate = o.rate.rate()

	return f
}

// SampleRate returns the sample rate currently programmed into the state machine.
func (o *Output) SampleRate() uint32 {
	return o.rate.rate()
}

// Connect joins producer to the output through a copying connection with the default buffering.
func (o *Output) Connect(producer *BufferPool) error {
	return o.ConnectExtra(producer, false, DefaultBufferCount, DefaultSamplesPerBuffer, nil)
}

// ConnectExtra joins producer to the output. A bufferCount of zero plays producer buffers
// directly and requires a producer in the output format. Otherwise bufferCount consumer buffers of
// samplesPerBuffer frames are allocated and data is converted when the output takes a buffer,
// or when the producer gives one if bufferOnGive is set. A non-nil conn replaces the default choice.
func (o *Output) ConnectExtra(producer *BufferPool, bufferOnGive bool, bufferCount, samplesPerBuffer int, conn Connection) error {
	return o.connect(o.ch, producer, connectOptions{
		bufferOnGive: bufferOnGive,
		bufferCount:  bufferCount,
		samples:      samplesPerBuffer,
		conn:         conn,
	})
}

// ConnectThru joins producer without intermediate buffers. A nil conn selects PassThrough.
func (o *Output) ConnectThru(producer *BufferPool, conn Connection) error {
	return o.ConnectExtra(producer, false, 0, 0, conn)
}

// ConnectNarrow joins a signed 8-bit producer, widening its samples to 16 bits.
func (o *Output) ConnectNarrow(producer *BufferPool) error {
	return o.connect(o.ch, producer, connectOptions{
		narrow:      true,
		bufferCount: DefaultBufferCount,
		samples:     DefaultSamplesPerBuffer,
	})
}

// Enabled reports whether the output is running.
func (o *Output) Enabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.enabled
}

// SetEnabled starts or stops the output. Calling it with the current state does nothing.
// Stopping abandons the transfer in progress and returns its buffer to the consumer pool.
func (o *Output) SetEnabled(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if enabled == o.enabled {
		return
	}

	o.ch.mask()

	if enabled {
		logf("enabling %v output", o.Format())
		o.ch.arm()
		o.ch.unmask()
		o.hw.Serial.SetEnabled(o.config.StateMachine, true)
	} else {
		logf("disabling output")
		o.hw.Serial.SetEnabled(o.config.StateMachine, false)
		o.ch.drain()
	}

	o.enabled = enabled
}

// Stats returns the transfer counters of the output.
func (o *Output) Stats() ChannelStats {
	return o.ch.stats()
}

// ConsumerStats returns the occupancy of the consumer pool, or zero stats if nothing is connected.
func (o *Output) ConsumerStats() PoolStats {
	return o.ch.poolStats()
}
