package i2s_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/i2s"
	"github.com/gen2brain/i2s/loopback"
)

func TestOutput(t *testing.T) {
	t.Run("Defaults", testOutputDefaults)
	t.Run("InvalidSetup", testOutputInvalidSetup)
	t.Run("Rollback", testOutputRollback)
	t.Run("Silence", testOutputSilence)
	t.Run("Counters", testOutputCounters)
	t.Run("Drain", testOutputDrain)
	t.Run("RateChange", testOutputRateChange)
	t.Run("Narrow", testOutputNarrow)
	t.Run("Mono", testOutputMono)
	t.Run("ContractViolation", testOutputContractViolation)
	t.Run("ConnectWhileEnabled", testOutputConnectWhileEnabled)
}

func newOutput(t *testing.T, block *loopback.Block, cfg *i2s.Config) *i2s.Output {
	t.Helper()

	o, actual, err := i2s.Setup(&stereo44k, block.Hardware(), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint32(44100), actual.SampleRate)
	assert.Equal(t, i2s.EncodingS16, actual.Encoding)

	return o
}

func testOutputDefaults(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	assert.Equal(t, i2s.DefaultConfig(), o.Config())
	assert.Equal(t, stereo44k, o.Format())
	assert.False(t, o.Enabled())

	assert.True(t, block.Claimed(0))
	assert.True(t, block.DMAClaimed(0))
	assert.Equal(t, 1, block.HandlerCount(0))

	prog, ok := block.Program(0)
	assert.True(t, ok)
	assert.Equal(t, i2s.ProgramI2S, prog)

	for _, pin := range []int{26, 27, 28} {
		assert.Equal(t, i2s.PinFunctionSerial, block.Function(pin), "pin %d", pin)
	}

	d, err := i2s.ComputeDivider(loopback.DefaultClockHz, 44100)
	require.NoError(t, err)
	assert.Equal(t, d, block.Divider(0))

	assert.Equal(t, i2s.ChannelStats{State: i2s.StateEmpty}, o.Stats())
	assert.Equal(t, i2s.PoolStats{}, o.ConsumerStats())
}

func testOutputInvalidSetup(t *testing.T) {
	block := newBlock()

	_, _, err := i2s.Setup(nil, block.Hardware(), nil)
	assert.ErrorIs(t, err, i2s.ErrInvalidFormat)

	_, _, err = i2s.Setup(&stereo44k, i2s.Hardware{}, nil)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)

	cfg := i2s.DefaultConfig()
	cfg.DMAIRQ = 2
	_, _, err = i2s.Setup(&stereo44k, block.Hardware(), &cfg)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)

	cfg = i2s.DefaultConfig()
	cfg.DataPin = cfg.ClockPinBase + 1
	_, _, err = i2s.Setup(&stereo44k, block.Hardware(), &cfg)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)

	_, _, err = i2s.Setup(&i2s.AudioFormat{SampleRate: 29, Encoding: i2s.EncodingS16, Channels: 2}, block.Hardware(), nil)
	assert.ErrorIs(t, err, i2s.ErrDividerRange)
	assert.False(t, block.Claimed(0))
	assert.False(t, block.DMAClaimed(0))
}

func testOutputRollback(t *testing.T) {
	block := newBlock()
	hw := block.Hardware()
	require.NoError(t, hw.Transfer.Claim(0))

	_, _, err := i2s.Setup(&stereo44k, hw, nil)
	require.ErrorIs(t, err, loopback.ErrBusy)

	assert.False(t, block.Claimed(0), "state machine should be released")
	assert.True(t, block.DMAClaimed(0), "foreign claim should be kept")
	assert.Equal(t, 0, block.HandlerCount(0))

	hw.Transfer.Unclaim(0)
	o, _, err := i2s.Setup(&stereo44k, hw, nil)
	require.NoError(t, err)
	assert.NotNil(t, o)
}

func testOutputSilence(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	o.SetEnabled(true)
	assert.True(t, o.Enabled())
	block.Step(10)

	s := o.Stats()
	assert.Equal(t, i2s.StateSilence, s.State)
	assert.Equal(t, uint64(1), s.Commits)
	assert.Equal(t, uint64(1), s.Underruns)

	block.Step(i2s.DefaultSilenceSamples - 10)

	out := block.Output(0)
	assert.Len(t, out, i2s.DefaultSilenceSamples*4)
	assert.True(t, allZero(out))

	s = o.Stats()
	assert.Equal(t, uint64(2), s.Commits)
	assert.Equal(t, uint64(1), s.Completions)
	assert.Equal(t, uint64(2), s.Underruns)
	assert.Equal(t, uint64(2), block.Transfers(0))

	o.SetEnabled(false)
	s = o.Stats()
	assert.Equal(t, i2s.StateEmpty, s.State)
	assert.Equal(t, s.Commits, s.Completions+s.Abandoned)
}

func testOutputCounters(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(stereo44k, 2, 64)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, o.Connect(producer))
	assert.Equal(t, i2s.PoolStats{Total: i2s.DefaultBufferCount, Free: i2s.DefaultBufferCount}, o.ConsumerStats())

	producer.Give(fillRamp(t, producer, 1, 64))

	o.SetEnabled(true)
	s := o.Stats()
	assert.Equal(t, i2s.StateLoaded, s.State)
	assert.Equal(t, uint64(1), s.Commits)
	assert.Equal(t, uint64(0), s.Completions)

	block.Step(64)
	s = o.Stats()
	assert.Equal(t, uint64(2), s.Commits)
	assert.Equal(t, uint64(1), s.Completions)
	assert.Equal(t, uint64(1), s.Underruns)
	assert.Equal(t, i2s.StateSilence, s.State)
	assert.Equal(t, s.Commits, s.Completions+1)

	got := words(block.Output(0))
	require.Len(t, got, 128)
	for i := 0; i < 64; i++ {
		assert.Equal(t, int16(i+1), got[2*i])
		assert.Equal(t, int16(i+1), got[2*i+1])
	}

	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 2}, producer.Stats())
	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 2}, o.ConsumerStats())

	o.SetEnabled(false)
	s = o.Stats()
	assert.Equal(t, uint64(1), s.Abandoned)
	assert.Equal(t, s.Commits, s.Completions+s.Abandoned)
}

func testOutputDrain(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(stereo44k, 2, 64)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, o.Connect(producer))
	producer.Give(fillRamp(t, producer, 1, 64))

	o.SetEnabled(true)
	block.Step(10)
	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 1, Out: 1}, o.ConsumerStats())

	o.SetEnabled(false)
	assert.False(t, o.Enabled())
	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 2}, o.ConsumerStats())

	s := o.Stats()
	assert.Equal(t, i2s.StateEmpty, s.State)
	assert.Equal(t, uint64(1), s.Commits)
	assert.Equal(t, uint64(1), s.Abandoned)

	// A stopped output shifts nothing.
	block.Step(100)
	assert.Len(t, block.Output(0), 40)

	o.SetEnabled(false)
	assert.Equal(t, uint64(1), o.Stats().Abandoned)
}

func testOutputRateChange(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(stereo44k, 2, 32)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, o.Connect(producer))
	o.SetEnabled(true)

	require.NoError(t, producer.SetSampleRate(48000))
	producer.Give(fillRamp(t, producer, 1, 32))

	// The change is picked up when the silence transfer completes and the next buffer is taken.
	assert.Equal(t, uint32(44100), o.SampleRate())
	block.Step(i2s.DefaultSilenceSamples)

	assert.Equal(t, uint32(48000), o.SampleRate())
	assert.Equal(t, uint32(48000), o.Format().SampleRate)
	assert.Equal(t, i2s.Divider{Int: 40, Frac: 176}, block.Divider(0))
	assert.Equal(t, i2s.StateLoaded, o.Stats().State)
}

func testOutputNarrow(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(narrow44k, 2, 16)
	require.NoError(t, err)
	defer producer.Close()

	assert.ErrorIs(t, o.Connect(producer), i2s.ErrUnsupportedFormat)
	require.NoError(t, o.ConnectNarrow(producer))

	producer.Give(fillRamp(t, producer, -2, 3))
	o.SetEnabled(true)
	block.Step(3)

	assert.Equal(t, []int16{-512, -512, -256, -256, 0, 0}, words(block.Output(0)))

	wide, err := i2s.NewProducerPool(stereo44k, 1, 16)
	require.NoError(t, err)
	defer wide.Close()

	o.SetEnabled(false)
	assert.ErrorIs(t, o.ConnectNarrow(wide), i2s.ErrUnsupportedFormat)
}

func testOutputMono(t *testing.T) {
	block := newBlock()

	cfg := i2s.DefaultConfig()
	cfg.MonoOutput = true

	o, actual, err := i2s.Setup(&stereo44k, block.Hardware(), &cfg)
	require.NoError(t, err)
	assert.Equal(t, mono44k, actual)

	stereo, err := i2s.NewProducerPool(stereo44k, 2, 16)
	require.NoError(t, err)
	defer stereo.Close()
	assert.ErrorIs(t, o.Connect(stereo), i2s.ErrUnsupportedFormat)

	mono, err := i2s.NewProducerPool(mono44k, 2, 16)
	require.NoError(t, err)
	defer mono.Close()
	require.NoError(t, o.Connect(mono))

	mono.Give(fillRamp(t, mono, 5, 4))
	o.SetEnabled(true)
	block.Step(4)

	assert.Equal(t, []int16{5, 6, 7, 8}, words(block.Output(0)))
}

// mismatchedConnection hands the scheduler buffers from a pool in the wrong format.
type mismatchedConnection struct {
	i2s.DefaultConnection
	foreign *i2s.BufferPool
}

func (c *mismatchedConnection) ConsumerTake(bool) *i2s.Buffer {
	b := c.foreign.TakeFree(false)
	if b != nil {
		b.SampleCount = b.MaxSampleCount
	}

	return b
}

func testOutputContractViolation(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(stereo44k, 1, 16)
	require.NoError(t, err)
	defer producer.Close()

	foreign, err := i2s.NewProducerPool(mono44k, 1, 16)
	require.NoError(t, err)
	defer foreign.Close()

	require.NoError(t, o.ConnectExtra(producer, false, 1, 16, &mismatchedConnection{foreign: foreign}))
	requireContractPanic(t, func() { o.SetEnabled(true) })
}

func testOutputConnectWhileEnabled(t *testing.T) {
	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(stereo44k, 1, 16)
	require.NoError(t, err)
	defer producer.Close()

	o.SetEnabled(true)
	assert.ErrorIs(t, o.Connect(producer), i2s.ErrEnabled)
	assert.ErrorIs(t, o.ConnectThru(producer, nil), i2s.ErrEnabled)

	o.SetEnabled(false)
	assert.NoError(t, o.Connect(producer))
}
