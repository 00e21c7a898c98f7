package i2s

import (
	"fmt"
)

// MaxDACs is the largest number of DACs a MultiOutput can drive from one shared clock.
const MaxDACs = 4

// MultiConfig holds the hardware parameters of a multi-DAC output. All state machines must belong
// to the same serial engine, and every pin, state machine and DMA channel must be distinct.
type MultiConfig struct {
	NumDACs           int
	DataPins          []int
	ClockPinBase      int // Bit clock on ClockPinBase, word select on ClockPinBase+1.
	DMAChannels       []int
	ClockStateMachine int
	DataStateMachines []int
	DMAIRQ            int // 0 or 1.
	// MonoOutput sends one 16-bit sample per frame to every DAC instead of a stereo pair.
	MonoOutput bool
	// SilenceSamples is the length of the silence transfer used on underrun. Zero selects DefaultSilenceSamples.
	SilenceSamples int
}

// DefaultMultiConfig returns the configuration used when SetupMulti is given a nil config:
// three DACs on pins 10-12 sharing the clock on pins 26 and 27.
func DefaultMultiConfig() MultiConfig {
	return MultiConfig{
		NumDACs:           3,
		DataPins:          []int{10, 11, 12},
		ClockPinBase:      26,
		DMAChannels:       []int{0, 1, 2},
		ClockStateMachine: 0,
		DataStateMachines: []int{1, 2, 3},
		DMAIRQ:            0,
		SilenceSamples:    DefaultSilenceSamples,
	}
}

func (c *MultiConfig) validate() error {
	if c.NumDACs < 1 || c.NumDACs > MaxDACs {
		return fmt.Errorf("%w: DAC count must be between 1 and %d, got %d", ErrInvalidConfig, MaxDACs, c.NumDACs)
	}

	if len(c.DataPins) != c.NumDACs || len(c.DMAChannels) != c.NumDACs || len(c.DataStateMachines) != c.NumDACs {
		return fmt.Errorf("%w: expected %d data pins, DMA channels and state machines, got %d, %d and %d",
			ErrInvalidConfig, c.NumDACs, len(c.DataPins), len(c.DMAChannels), len(c.DataStateMachines))
	}

	if c.DMAIRQ != 0 && c.DMAIRQ != 1 {
		return fmt.Errorf("%w: DMA IRQ must be 0 or 1, got %d", ErrInvalidConfig, c.DMAIRQ)
	}

	if c.SilenceSamples < 0 {
		return fmt.Errorf("%w: negative silence length", ErrInvalidConfig)
	}

	if err := distinct("pin", append([]int{c.ClockPinBase, c.ClockPinBase + 1}, c.DataPins...)); err != nil {
		return err
	}

	if err := distinct("state machine", append([]int{c.ClockStateMachine}, c.DataStateMachines...)); err != nil {
		return err
	}

	return distinct("DMA channel", c.DMAChannels)
}

func distinct(kind string, ids []int) error {
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if id < 0 {
			return fmt.Errorf("%w: negative %s %d", ErrInvalidConfig, kind, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s %d used more than once", ErrInvalidConfig, kind, id)
		}
		seen[id] = true
	}

	return nil
}

// MultiOutput drives up to MaxDACs DACs in phase from one clock generator state machine and
// one data state machine per DAC. All DACs share one sample rate.
type MultiOutput struct {
	driver

	config   MultiConfig
	dataMask uint32
}

// SetupMulti claims the hardware for a multi-DAC output and arms, but does not start, the
// transfer engines. A nil config selects DefaultMultiConfig. Resources claimed before a failure
// are released.
func SetupMulti(intended *AudioFormat, hw Hardware, cfg *MultiConfig) (*MultiOutput, AudioFormat, error) {
	if intended == nil {
		return nil, AudioFormat{}, fmt.Errorf("%w: nil intended format", ErrInvalidFormat)
	}

	if err := intended.Validate(); err != nil {
		return nil, AudioFormat{}, err
	}

	if err := hw.validate(); err != nil {
		return nil, AudioFormat{}, err
	}

	config := DefaultMultiConfig()
	if cfg != nil {
		config = *cfg
		config.DataPins = append([]int(nil), cfg.DataPins...)
		config.DMAChannels = append([]int(nil), cfg.DMAChannels...)
		config.DataStateMachines = append([]int(nil), cfg.DataStateMachines...)
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

	m := &MultiOutput{config: config}
	m.hw = hw
	m.irq = config.DMAIRQ
	m.format = actual

	sms := []int{config.ClockStateMachine}
	for i := 0; i < config.NumDACs; i++ {
		sm := config.DataStateMachines[i]
		m.channels = append(m.channels, newChannel(i, config.DMAChannels[i], sm, config.DMAIRQ, hw.Transfer, actual, config.SilenceSamples))
		m.dataMask |= 1 << sm
		sms = append(sms, sm)
	}
	m.rate = newRateController(hw.Serial, hw.Clock, sms...)

	var cl claims
	if err := m.setup(&cl); err != nil {
		cl.rollback()
		return nil, AudioFormat{}, err
	}

	logf("setup %v on %d DACs, clock pins %d,%d on sm %d", actual, config.NumDACs, config.ClockPinBase, config.ClockPinBase+1, config.ClockStateMachine)

	return m, actual, nil
}

func (m *MultiOutput) setup(cl *claims) error {
	c := m.config

	if err := m.setPins(append([]int{c.ClockPinBase, c.ClockPinBase + 1}, c.DataPins...)...); err != nil {
		return err
	}

	if err := m.claimStateMachine(cl, c.ClockStateMachine); err != nil {
		return err
	}

	clock, err := m.hw.Serial.Load(ProgramClockGen)
	if err != nil {
		return fmt.Errorf("failed to load %v program: %w", ProgramClockGen, err)
	}

	if err := m.hw.Serial.Init(c.ClockStateMachine, clock, PinConfig{Data: -1, ClockBase: c.ClockPinBase}); err != nil {
		return fmt.Errorf("failed to init clock state machine %d: %w", c.ClockStateMachine, err)
	}

	data, err := m.hw.Serial.Load(ProgramData)
	if err != nil {
		return fmt.Errorf("failed to load %v program: %w", ProgramData, err)
	}

	for _, ch := range m.channels {
		if err := m.claimStateMachine(cl, ch.sm); err != nil {
			return err
		}

		if err := m.hw.Serial.Init(ch.sm, data, PinConfig{Data: c.DataPins[ch.index], ClockBase: c.ClockPinBase}); err != nil {
			return fmt.Errorf("failed to init data state machine %d: %w", ch.sm, err)
		}

		if err := m.setupChannel(cl, ch); err != nil {
			return err
		}
	}

	if err := m.rate.apply(m.format.SampleRate); err != nil {
		return err
	}

	return m.install(cl)
}

// Config returns the configuration the output was set up with.
func (m *MultiOutput) Config() MultiConfig {
	return m.config
}

// NumDACs returns the number of configured DACs.
func (m *MultiOutput) NumDACs() int {
	return len(m.channels)
}

// SampleRate returns the shared sample rate currently programmed into the state machines.
func (m *MultiOutput) SampleRate() uint32 {
	return m.rate.rate()
}

// Format returns the format sent to every DAC, with the current shared sample rate.
func (m *MultiOutput) Format() AudioFormat {
	f := m.format
	f.SampleRate = m.rate.rate()

	return f
}

func (m *MultiOutput) dac(index int) (*channel, error) {
	if index < 0 || index >= len(m.channels) {
		return nil, fmt.Errorf("%w: %d, output has %d DACs", ErrInvalidChannel, index, len(m.channels))
	}

	return m.channels[index], nil
}

// Connect joins producer to the DAC at index through a copying connection with the default
// buffering. The producer's sample rate becomes the shared rate of every DAC.
func (m *MultiOutput) Connect(producer *BufferPool, index int) error {
	return m.ConnectExtra(producer, index, false, DefaultBufferCount, DefaultSamplesPerBuffer, nil)
}

// ConnectExtra joins producer to the DAC at index. The buffering arguments behave as in Output.ConnectExtra.
func (m *MultiOutput) ConnectExtra(producer *BufferPool, index int, bufferOnGive bool, bufferCount, samplesPerBuffer int, conn Connection) error {
	c, err := m.dac(index)
	if err != nil {
		return err
	}

	return m.connect(c, producer, connectOptions{
		bufferOnGive: bufferOnGive,
		bufferCount:  bufferCount,
		samples:      samplesPerBuffer,
		conn:         conn,
	})
}

// ConnectNarrow joins a signed 8-bit producer to the DAC at index, widening its samples to 16 bits.
func (m *MultiOutput) ConnectNarrow(producer *BufferPool, index int) error {
	c, err := m.dac(index)
	if err != nil {
		return err
	}

	return m.connect(c, producer, connectOptions{
		narrow:      true,
		bufferCount: DefaultBufferCount,
		samples:     DefaultSamplesPerBuffer,
	})
}

// Enabled reports whether the output is running.
func (m *MultiOutput) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enabled
}

// SetEnabled starts or stops every DAC. Calling it with the current state does nothing.
// Starting loads a transfer on every channel, starts the clock generator and then starts all data
// state machines on the same clock edge. Stopping halts the clock and data state machines together
// and returns every in-flight buffer to its consumer pool.
func (m *MultiOutput) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled == m.enabled {
		return
	}

	for _, c := range m.channels {
		c.mask()
	}

	if enabled {
		logf("enabling %v output on %d DACs", m.Format(), len(m.channels))
		for _, c := range m.channels {
			c.arm()
		}
		for _, c := range m.channels {
			c.unmask()
		}
		m.hw.Serial.SetEnabled(m.config.ClockStateMachine, true)
		m.hw.Serial.SetMaskEnabled(m.dataMask, true)
	} else {
		logf("disabling output on %d DACs", len(m.channels))
		m.hw.Serial.SetMaskEnabled(m.dataMask|1<<m.config.ClockStateMachine, false)
		for _, c := range m.channels {
			c.drain()
		}
	}

	m.enabled = enabled
}

// Stats returns the transfer counters of the DAC at index.
func (m *MultiOutput) Stats(index int) (ChannelStats, error) {
	c, err := m.dac(index)
	if err != nil {
		return ChannelStats{}, err
	}

	return c.stats(), nil
}

// ConsumerStats returns the occupancy of the consumer pool of the DAC at index.
func (m *MultiOutput) ConsumerStats(index int) (PoolStats, error) {
	c, err := m.dac(index)
	if err != nil {
		return PoolStats{}, err
	}

	return c.poolStats(), nil
}
