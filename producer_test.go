package i2s_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/i2s"
)

func TestPoolWriter(t *testing.T) {
	t.Run("New", testNewPoolWriter)
	t.Run("PartialFrames", testPoolWriterPartialFrames)
	t.Run("IntBuffer", testPoolWriterIntBuffer)
	t.Run("Stream", testPoolWriterStream)
}

func testNewPoolWriter(t *testing.T) {
	_, err := i2s.NewPoolWriter(nil)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)

	empty, err := i2s.NewProducerPool(stereo44k, 0, 0)
	require.NoError(t, err)

	_, err = i2s.NewPoolWriter(empty)
	assert.ErrorIs(t, err, i2s.ErrInvalidConfig)
}

func testPoolWriterPartialFrames(t *testing.T) {
	pool, err := i2s.NewProducerPool(stereo44k, 2, 4)
	require.NoError(t, err)
	defer pool.Close()

	w, err := i2s.NewPoolWriter(pool)
	require.NoError(t, err)

	frames := make([]byte, 6*4)
	for i := range frames {
		frames[i] = byte(i + 1)
	}

	n, err := w.Write(frames[:3])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 2}, pool.Stats())

	n, err = w.Write(frames[3:8])
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, i2s.PoolStats{Total: 2, Free: 1, Out: 1}, pool.Stats(), "two frames are still being filled")

	_, err = w.Write(frames[8:])
	require.NoError(t, err)
	assert.Equal(t, i2s.PoolStats{Total: 2, Full: 1, Out: 1}, pool.Stats(), "a full buffer is given as soon as it fills")

	require.NoError(t, w.Close())
	assert.Equal(t, i2s.PoolStats{Total: 2, Full: 2}, pool.Stats())

	first := pool.TakeFull(false)
	require.NotNil(t, first)
	assert.Equal(t, 4, first.SampleCount)
	assert.Equal(t, frames[:16], first.Data())

	second := pool.TakeFull(false)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.SampleCount)
	assert.Equal(t, frames[16:], second.Data())
}

func testPoolWriterIntBuffer(t *testing.T) {
	narrow, err := i2s.NewProducerPool(narrow44k, 1, 8)
	require.NoError(t, err)
	defer narrow.Close()

	w, err := i2s.NewPoolWriter(narrow)
	require.NoError(t, err)

	err = w.WriteIntBuffer(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 44100},
		Data:           []int{1, 2},
		SourceBitDepth: 16,
	})
	assert.ErrorIs(t, err, i2s.ErrUnsupportedFormat)

	require.NoError(t, w.WriteIntBuffer(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 44100},
		Data:           []int{256, -512, 32767},
		SourceBitDepth: 16,
	}))
	require.NoError(t, w.Flush())

	b := narrow.TakeFull(false)
	require.NotNil(t, b)
	assert.Equal(t, []byte{0x01, 0xfe, 0x7f}, b.Data())
	narrow.QueueFree(b)

	wide, err := i2s.NewProducerPool(mono44k, 1, 8)
	require.NoError(t, err)
	defer wide.Close()

	w, err = i2s.NewPoolWriter(wide)
	require.NoError(t, err)

	require.NoError(t, w.WriteIntBuffer(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           []int{1, -2},
		SourceBitDepth: 8,
	}))
	require.NoError(t, w.Close())

	b = wide.TakeFull(false)
	require.NotNil(t, b)
	assert.Equal(t, []int16{256, -512}, words(b.Data()))
}

// testPoolWriterStream feeds a ramp from a goroutine through a connected output and checks that
// every frame reaches the DAC in order.
func testPoolWriterStream(t *testing.T) {
	const total = 1000

	block := newBlock()
	o := newOutput(t, block, nil)

	producer, err := i2s.NewProducerPool(mono44k, 4, 64)
	require.NoError(t, err)
	defer producer.Close()

	require.NoError(t, o.Connect(producer))

	w, err := i2s.NewPoolWriter(producer)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		frame := make([]byte, 2)
		for i := 1; i <= total; i++ {
			binary.LittleEndian.PutUint16(frame, uint16(int16(i)))
			if _, err := w.Write(frame); err != nil {
				errc <- err
				return
			}
		}
		errc <- w.Close()
	}()

	o.SetEnabled(true)

	var played []int16
	deadline := time.Now().Add(5 * time.Second)
	for len(played) < 2*total && time.Now().Before(deadline) {
		block.Step(64)
		for _, v := range words(block.TakeOutput(0)) {
			if v != 0 {
				played = append(played, v)
			}
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer did not finish")
	}
	o.SetEnabled(false)

	require.Len(t, played, 2*total)
	for i := 0; i < total; i++ {
		require.Equal(t, int16(i+1), played[2*i], "frame %d", i)
		require.Equal(t, int16(i+1), played[2*i+1], "frame %d", i)
	}

	s := o.Stats()
	assert.Equal(t, s.Commits, s.Completions+s.Abandoned)
	assert.Equal(t, i2s.PoolStats{Total: 4, Free: 4}, producer.Stats())
}
