package i2s_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/i2s"
)

func TestAudioFormat(t *testing.T) {
	assert.NoError(t, stereo44k.Validate())
	assert.Equal(t, "S16_LE 2ch 44100Hz", stereo44k.String())
	assert.Equal(t, 4, i2s.NewBufferFormat(stereo44k).Stride)
	assert.Equal(t, 2, i2s.NewBufferFormat(mono44k).Stride)
	assert.Equal(t, 1, i2s.NewBufferFormat(narrow44k).Stride)

	invalid := []i2s.AudioFormat{
		{SampleRate: 0, Encoding: i2s.EncodingS16, Channels: 2},
		{SampleRate: 44100, Encoding: i2s.EncodingInvalid, Channels: 2},
		{SampleRate: 44100, Encoding: i2s.EncodingS16, Channels: 3},
		{SampleRate: 44100, Encoding: i2s.EncodingS16, Channels: 0},
	}
	for _, f := range invalid {
		assert.ErrorIs(t, f.Validate(), i2s.ErrInvalidFormat, "%+v", f)
	}

	af := stereo44k.ToAudio()
	assert.Equal(t, &audio.Format{NumChannels: 2, SampleRate: 44100}, af)

	back, err := i2s.FormatFromAudio(af, i2s.EncodingS16)
	require.NoError(t, err)
	assert.Equal(t, stereo44k, back)

	_, err = i2s.FormatFromAudio(&audio.Format{NumChannels: 6, SampleRate: 48000}, i2s.EncodingS16)
	assert.ErrorIs(t, err, i2s.ErrInvalidFormat)

	_, err = i2s.FormatFromAudio(nil, i2s.EncodingS16)
	assert.ErrorIs(t, err, i2s.ErrInvalidFormat)
}

func TestBufferPool(t *testing.T) {
	t.Run("NewPool", testNewPool)
	t.Run("TakeGive", testPoolTakeGive)
	t.Run("Invariant", testPoolInvariant)
	t.Run("DoubleGive", testPoolDoubleGive)
	t.Run("ForeignBuffer", testPoolForeignBuffer)
	t.Run("BlockingTake", testPoolBlockingTake)
	t.Run("SampleRate", testPoolSampleRate)
}

func testNewPool(t *testing.T) {
	p, err := i2s.NewProducerPool(stereo44k, 3, 128)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, i2s.RoleProducer, p.Role())
	assert.Nil(t, p.Connection())
	assert.Equal(t, i2s.PoolStats{Total: 3, Free: 3}, p.Stats())

	b := p.TakeFree(false)
	require.NotNil(t, b)
	assert.Len(t, b.Bytes, 128*4)
	assert.Equal(t, 128, b.MaxSampleCount)
	assert.Same(t, p, b.Pool())
	assert.Equal(t, stereo44k, b.Format().Format)
	p.QueueFree(b)

	_, err = i2s.NewProducerPool(stereo44k, 2, 0)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)

	_, err = i2s.NewProducerPool(stereo44k, -1, 16)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)

	_, err = i2s.NewProducerPool(i2s.AudioFormat{}, 2, 16)
	assert.ErrorIs(t, err, i2s.ErrInvalidFormat)
}

func testPoolTakeGive(t *testing.T) {
	p, err := i2s.NewProducerPool(mono44k, 2, 16)
	require.NoError(t, err)
	defer p.Close()

	a := fillRamp(t, p, 1, 16)
	b := fillRamp(t, p, 17, 8)
	assert.Nil(t, p.Take(false), "both buffers are handed out")
	assert.Equal(t, i2s.PoolStats{Total: 2, Out: 2}, p.Stats())

	// Without a connection the pool's own full list receives given buffers, in order.
	p.Give(a)
	p.Give(b)
	assert.Equal(t, i2s.PoolStats{Total: 2, Full: 2}, p.Stats())

	first := p.TakeFull(false)
	require.Same(t, a, first)
	assert.Equal(t, 16, first.SampleCount)
	assert.Len(t, first.Data(), 32)

	second := p.TakeFull(false)
	require.Same(t, b, second)
	assert.Nil(t, p.TakeFull(false))

	p.QueueFree(first)
	p.QueueFree(second)
	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 2}, p.Stats())
}

// testPoolInvariant drives a pool with a random sequence of operations and checks that every
// buffer is always in exactly one place.
func testPoolInvariant(t *testing.T) {
	p, err := i2s.NewProducerPool(stereo44k, 5, 8)
	require.NoError(t, err)
	defer p.Close()

	rng := rand.New(rand.NewSource(1))
	var held []*i2s.Buffer
	owners := make(map[*i2s.Buffer]bool)

	for i := 0; i < 2000; i++ {
		switch rng.Intn(4) {
		case 0:
			if b := p.TakeFree(false); b != nil {
				require.False(t, owners[b], "buffer handed out twice")
				owners[b] = true
				held = append(held, b)
			}
		case 1:
			if b := p.TakeFull(false); b != nil {
				require.False(t, owners[b], "buffer handed out twice")
				owners[b] = true
				held = append(held, b)
			}
		case 2, 3:
			if len(held) == 0 {
				continue
			}
			j := rng.Intn(len(held))
			b := held[j]
			held = append(held[:j], held[j+1:]...)
			delete(owners, b)
			if rng.Intn(2) == 0 {
				p.QueueFree(b)
			} else {
				p.QueueFull(b)
			}
		}

		s := p.Stats()
		require.Equal(t, s.Total, s.Free+s.Full+s.Out)
		require.Equal(t, len(held), s.Out)
	}
}

func testPoolDoubleGive(t *testing.T) {
	p, err := i2s.NewProducerPool(stereo44k, 2, 8)
	require.NoError(t, err)
	defer p.Close()

	b := p.TakeFree(false)
	p.QueueFull(b)
	requireContractPanic(t, func() { p.QueueFull(b) })
	requireContractPanic(t, func() { p.QueueFree(b) })
	requireContractPanic(t, func() { p.QueueFree(nil) })

	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 1, Full: 1}, p.Stats())
}

func testPoolForeignBuffer(t *testing.T) {
	p1, err := i2s.NewProducerPool(stereo44k, 1, 8)
	require.NoError(t, err)
	defer p1.Close()

	p2, err := i2s.NewProducerPool(stereo44k, 1, 8)
	require.NoError(t, err)
	defer p2.Close()

	b := p1.TakeFree(false)
	requireContractPanic(t, func() { p2.QueueFree(b) })
	requireContractPanic(t, func() { p2.QueueFull(b) })

	p1.QueueFree(b)
	assert.Equal(t, i2s.PoolStats{Total: 1, Free: 1}, p1.Stats())
	assert.Equal(t, i2s.PoolStats{Total: 1, Free: 1}, p2.Stats())
}

func testPoolBlockingTake(t *testing.T) {
	p, err := i2s.NewProducerPool(stereo44k, 1, 8)
	require.NoError(t, err)
	defer p.Close()

	b := p.TakeFree(false)
	require.NotNil(t, b)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.QueueFree(b)
	}()

	start := time.Now()
	got := p.TakeFree(true)
	assert.Same(t, b, got)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond, "take should have waited for the give")
	p.QueueFree(got)
}

func testPoolSampleRate(t *testing.T) {
	p, err := i2s.NewProducerPool(stereo44k, 1, 8)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.SetSampleRate(48000))
	assert.Equal(t, uint32(48000), p.SampleRate())
	assert.Equal(t, uint32(48000), p.Format().Format.SampleRate)
	assert.Equal(t, 4, p.Format().Stride)

	assert.ErrorIs(t, p.SetSampleRate(0), i2s.ErrInvalidFormat)
	assert.Equal(t, uint32(48000), p.SampleRate())
}
