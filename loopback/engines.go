package loopback

import (
	"fmt"

	"github.com/gen2brain/i2s"
)

// Serial is the state machine view of a Block.
type Serial Block

// Claim implements i2s.SerialEngine.
func (s *Serial) Claim(sm int) error {
	b := (*Block)(s)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkSM(sm); err != nil {
		return err
	}

	if b.sms[sm].claimed {
		return fmt.Errorf("%w: state machine %d", ErrBusy, sm)
	}
	b.sms[sm].claimed = true

	return nil
}

// Unclaim implements i2s.SerialEngine.
func (s *Serial) Unclaim(sm int) {
	b := (*Block)(s)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.checkSM(sm) == nil {
		b.sms[sm] = stateMachine{}
	}
}

// Load implements i2s.SerialEngine.
func (s *Serial) Load(p i2s.Program) (i2s.ProgramHandle, error) {
	b := (*Block)(s)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := i2s.ProgramNames[p]; !ok {
		return 0, fmt.Errorf("%w: program %v", ErrRange, p)
	}

	if h, ok := b.programs[p]; ok {
		return h, nil
	}

	h := i2s.ProgramHandle(len(b.programs))
	b.programs[p] = h

	return h, nil
}

// Init implements i2s.SerialEngine.
func (s *Serial) Init(sm int, h i2s.ProgramHandle, pins i2s.PinConfig) error {
	b := (*Block)(s)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkSM(sm); err != nil {
		return err
	}

	if !b.sms[sm].claimed {
		return fmt.Errorf("%w: state machine %d", ErrNotClaimed, sm)
	}

	for p, loaded := range b.programs {
		if loaded == h {
			st := &b.sms[sm]
			st.program = p
			st.pins = pins
			st.initialized = true
			st.enabled = false
			st.output = nil

			return nil
		}
	}

	return fmt.Errorf("%w: program handle %d", ErrRange, h)
}

// SetClockDivider implements i2s.SerialEngine.
func (s *Serial) SetClockDivider(sm int, d i2s.Divider) {
	b := (*Block)(s)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sms[sm].divider = d
}

// SetEnabled implements i2s.SerialEngine.
func (s *Serial) SetEnabled(sm int, enabled bool) {
	s.SetMaskEnabled(1<<sm, enabled)
}

// SetMaskEnabled implements i2s.SerialEngine.
func (s *Serial) SetMaskEnabled(mask uint32, enabled bool) {
	b := (*Block)(s)
	b.mu.Lock()
	defer b.mu.Unlock()

	for sm := range b.sms {
		if mask&(1<<sm) == 0 {
			continue
		}

		st := &b.sms[sm]
		if enabled && !st.enabled {
			st.startedAt = b.ticks
		}
		st.enabled = enabled
	}

	b.events = append(b.events, Event{Tick: b.ticks, Mask: mask, Enabled: enabled})
}

// TxFIFO implements i2s.SerialEngine.
func (s *Serial) TxFIFO(sm int) int {
	return sm
}

// DREQ implements i2s.SerialEngine.
func (s *Serial) DREQ(sm int) int {
	return sm
}

// DMA is the transfer engine view of a Block.
type DMA Block

// Claim implements i2s.TransferEngine.
func (d *DMA) Claim(ch int) error {
	b := (*Block)(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDMA(ch); err != nil {
		return err
	}

	if b.dma[ch].claimed {
		return fmt.Errorf("%w: DMA channel %d", ErrBusy, ch)
	}
	b.dma[ch].claimed = true

	return nil
}

// Unclaim implements i2s.TransferEngine.
func (d *DMA) Unclaim(ch int) {
	b := (*Block)(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.checkDMA(ch) == nil {
		b.dma[ch] = dmaChannel{}
	}
}

// Configure implements i2s.TransferEngine.
func (d *DMA) Configure(ch int, cfg i2s.TransferConfig) error {
	b := (*Block)(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkDMA(ch); err != nil {
		return err
	}

	if !b.dma[ch].claimed {
		return fmt.Errorf("%w: DMA channel %d", ErrNotClaimed, ch)
	}

	if err := b.checkSM(cfg.Dest); err != nil {
		return err
	}

	if cfg.Trigger != cfg.Dest {
		return fmt.Errorf("%w: DREQ %d does not pace FIFO %d", ErrRange, cfg.Trigger, cfg.Dest)
	}

	if cfg.Size != i2s.TransferSize16 && cfg.Size != i2s.TransferSize32 {
		return fmt.Errorf("%w: transfer size %d", ErrRange, cfg.Size)
	}

	b.dma[ch].cfg = cfg
	b.dma[ch].configured = true

	return nil
}

// Start implements i2s.TransferEngine. A transfer already in progress is abandoned.
func (d *DMA) Start(ch int, src []byte, count int, incrementRead bool) {
	b := (*Block)(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &b.dma[ch]
	if !c.configured {
		panic(fmt.Sprintf("loopback: DMA channel %d started before it was configured", ch))
	}

	need := int(c.cfg.Size)
	if incrementRead {
		need *= count
	}
	if len(src) < need {
		panic(fmt.Sprintf("loopback: DMA channel %d source of %d bytes, need %d", ch, len(src), need))
	}

	c.src = src
	c.pos = 0
	c.remaining = count
	c.increment = incrementRead
	c.active = count > 0
	c.pending = count == 0
	c.transfers++
}

// SetInterruptEnabled implements i2s.TransferEngine. Masking waits for a running handler to return.
func (d *DMA) SetInterruptEnabled(irq, ch int, enabled bool) {
	checkIRQ(irq)

	b := (*Block)(d)
	b.irqMu.Lock()
	defer b.irqMu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dma[ch].enabled[irq] = enabled
}

// Pending implements i2s.TransferEngine.
func (d *DMA) Pending(irq, ch int) bool {
	checkIRQ(irq)

	b := (*Block)(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dma[ch].pending && b.dma[ch].enabled[irq]
}

// Acknowledge implements i2s.TransferEngine.
func (d *DMA) Acknowledge(irq, ch int) {
	checkIRQ(irq)

	b := (*Block)(d)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dma[ch].pending = false
}

// Interrupts is the interrupt controller view of a Block.
type Interrupts Block

// AddSharedHandler implements i2s.InterruptController.
func (in *Interrupts) AddSharedHandler(irq int, fn func()) (func(), error) {
	if irq < 0 || irq >= NumIRQs {
		return nil, fmt.Errorf("%w: DMA IRQ %d", ErrRange, irq)
	}

	b := (*Block)(in)
	b.irqMu.Lock()
	defer b.irqMu.Unlock()

	h := &handler{fn: fn}
	b.handlers[irq] = append(b.handlers[irq], h)

	return func() {
		b.irqMu.Lock()
		defer b.irqMu.Unlock()

		hs := b.handlers[irq]
		for i := range hs {
			if hs[i] == h {
				b.handlers[irq] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}, nil
}

// SetEnabled implements i2s.InterruptController.
func (in *Interrupts) SetEnabled(irq int, enabled bool) {
	checkIRQ(irq)

	b := (*Block)(in)
	b.irqMu.Lock()
	defer b.irqMu.Unlock()

	b.irqOn[irq] = enabled
}

// Pins is the pin mux view of a Block.
type Pins Block

// SetFunction implements i2s.PinMux.
func (p *Pins) SetFunction(pin int, fn i2s.PinFunction) error {
	b := (*Block)(p)
	b.mu.Lock()
	defer b.mu.Unlock()

	if pin < 0 || pin >= len(b.pins) {
		return fmt.Errorf("%w: pin %d", ErrRange, pin)
	}
	b.pins[pin] = fn

	return nil
}

// Clock is the system clock view of a Block.
type Clock Block

// Hz implements i2s.SystemClock.
func (c *Clock) Hz() uint32 {
	return c.clockHz
}

var (
	_ i2s.SerialEngine        = (*Serial)(nil)
	_ i2s.TransferEngine      = (*DMA)(nil)
	_ i2s.InterruptController = (*Interrupts)(nil)
	_ i2s.PinMux              = (*Pins)(nil)
	_ i2s.SystemClock         = (*Clock)(nil)
)
