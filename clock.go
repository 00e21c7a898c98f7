package i2s

import (
	"fmt"
	"sync/atomic"
)

// Oversampling is the ratio between the serial engine clock and the sample rate.
// The I2S programs spend 32 cycles per channel slot and 2 cycles per bit.
const Oversampling = 64

const (
	maxSystemClockHz = 1 << 30
	maxDivider       = 1 << 24
)

// Divider is a 16.8 fixed point clock divider for a serial engine state machine.
type Divider struct {
	Int  uint16
	Frac uint8
}

// Raw returns the divider as a single 24-bit fixed point value.
func (d Divider) Raw() uint32 {
	return uint32(d.Int)<<8 | uint32(d.Frac)
}

// String returns the divider in "int+frac/256" notation.
func (d Divider) String() string {
	return fmt.Sprintf("%d+%d/256", d.Int, d.Frac)
}

// ComputeDivider returns the clock divider that runs a state machine at Oversampling times sampleRateHz.
// The calculation is performed as systemClockHz*4/sampleRateHz, which is the 64x ratio expressed
// in 1/256 units without intermediate overflow.
func ComputeDivider(systemClockHz, sampleRateHz uint32) (Divider, error) {
	if sampleRateHz == 0 {
		return Divider{}, fmt.Errorf("%w: sample rate is zero", ErrDividerRange)
	}

	if systemClockHz >= maxSystemClockHz {
		return Divider{}, fmt.Errorf("%w: system clock %d Hz exceeds %d Hz", ErrDividerRange, systemClockHz, maxSystemClockHz-1)
	}

	divider := systemClockHz * 4 / sampleRateHz
	if divider >= maxDivider {
		return Divider{}, fmt.Errorf("%w: divider %d for %d Hz does not fit in 24 bits", ErrDividerRange, divider, sampleRateHz)
	}

	return Divider{
		Int:  uint16(divider >> 8),
		Frac: uint8(divider & 0xff),
	}, nil
}

// rateController keeps the state machines of one output on a shared sample rate.
type rateController struct {
	serial  SerialEngine
	clock   SystemClock
	sms     []int
	current atomic.Uint32
}

func newRateController(serial SerialEngine, clock SystemClock, sms ...int) *rateController {
	return &rateController{serial: serial, clock: clock, sms: sms}
}

// rate returns the last applied sample rate, or 0 if none has been applied.
func (r *rateController) rate() uint32 {
	return r.current.Load()
}

// apply programs every state machine with the divider for hz.
func (r *rateController) apply(hz uint32) error {
	d, err := ComputeDivider(r.clock.Hz(), hz)
	if err != nil {
		return err
	}

	for _, sm := range r.sms {
		r.serial.SetClockDivider(sm, d)
	}

	r.current.Store(hz)

	return nil
}

// check applies hz if it differs from the current rate. It is called from the real-time path,
// where an unrepresentable rate cannot be reported and is treated as fatal.
func (r *rateController) check(hz uint32) {
	if r.current.Load() == hz {
		return
	}

	if err := r.apply(hz); err != nil {
		panic(contractf("rate change to %d Hz: %v", hz, err))
	}
}

// connect applies hz at connect time, recomputing only on the first connection or a change.
func (r *rateController) connect(hz uint32) error {
	if r.current.Load() == hz {
		return nil
	}

	return r.apply(hz)
}
