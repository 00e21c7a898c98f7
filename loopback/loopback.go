// Package loopback implements the i2s hardware contracts in software. Transfers are moved one word
// per Tick from memory into per state machine capture buffers, completion interrupts are raised and
// dispatched like on the real block, and every state machine enable is recorded for inspection.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/i2s"
)

const (
	DefaultStateMachines = 4
	DefaultDMAChannels   = 12
	DefaultPins          = 30
	DefaultClockHz       = 125_000_000
	NumIRQs              = 2
)

var (
	// ErrBusy is returned when claiming a resource that is already claimed.
	ErrBusy = errors.New("loopback: resource busy")

	// ErrRange is returned for a resource id outside the block.
	ErrRange = errors.New("loopback: resource out of range")

	// ErrNotClaimed is returned when configuring a resource that was not claimed.
	ErrNotClaimed = errors.New("loopback: resource not claimed")
)

// Options sizes the block. Zero fields select the defaults.
type Options struct {
	StateMachines int
	DMAChannels   int
	Pins          int
	ClockHz       uint32
}

// Event records a state machine enable or disable.
type Event struct {
	Tick    uint64
	Mask    uint32
	Enabled bool
}

type stateMachine struct {
	claimed     bool
	initialized bool
	program     i2s.Program
	pins        i2s.PinConfig
	divider     i2s.Divider
	enabled     bool
	startedAt   uint64
	output      []byte
}

type dmaChannel struct {
	claimed    bool
	configured bool
	cfg        i2s.TransferConfig
	src        []byte
	pos        int
	remaining  int
	increment  bool
	active     bool
	pending    bool
	enabled    [NumIRQs]bool
	transfers  uint64
}

type handler struct {
	fn func()
}

// Block is a software serial engine, transfer engine, interrupt controller, pin mux and clock.
type Block struct {
	irqMu sync.Mutex
	mu    sync.Mutex

	clockHz  uint32
	sms      []stateMachine
	programs map[i2s.Program]i2s.ProgramHandle
	dma      []dmaChannel
	pins     []i2s.PinFunction
	handlers [NumIRQs][]*handler
	irqOn    [NumIRQs]bool
	events   []Event
	ticks    uint64
}

// New returns a block sized by opts.
func New(opts Options) *Block {
	if opts.StateMachines <= 0 {
		opts.StateMachines = DefaultStateMachines
	}
	if opts.DMAChannels <= 0 {
		opts.DMAChannels = DefaultDMAChannels
	}
	if opts.Pins <= 0 {
		opts.Pins = DefaultPins
	}
	if opts.ClockHz == 0 {
		opts.ClockHz = DefaultClockHz
	}

	return &Block{
		clockHz:  opts.ClockHz,
		sms:      make([]stateMachine, opts.StateMachines),
		programs: make(map[i2s.Program]i2s.ProgramHandle),
		dma:      make([]dmaChannel, opts.DMAChannels),
		pins:     make([]i2s.PinFunction, opts.Pins),
	}
}

// Hardware returns the block's collaborators for i2s.Setup and i2s.SetupMulti.
func (b *Block) Hardware() i2s.Hardware {
	return i2s.Hardware{
		Serial:    (*Serial)(b),
		Transfer:  (*DMA)(b),
		Interrupt: (*Interrupts)(b),
		Pins:      (*Pins)(b),
		Clock:     (*Clock)(b),
	}
}

// Tick advances the block by one word period: every active transfer whose state machine is
// running moves one unit into that state machine's capture, and completion interrupts are dispatched.
func (b *Block) Tick() {
	b.mu.Lock()
	b.ticks++
	for i := range b.dma {
		b.step(&b.dma[i])
	}
	b.mu.Unlock()

	b.dispatch()
}

// Step runs n ticks.
func (b *Block) Step(n int) {
	for i := 0; i < n; i++ {
		b.Tick()
	}
}

// Run ticks at wordsPerSecond until ctx is done, in batches every interval.
func (b *Block) Run(ctx context.Context, wordsPerSecond uint32, interval time.Duration) error {
	batch := int(uint64(wordsPerSecond) * uint64(interval) / uint64(time.Second))
	if batch < 1 {
		batch = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Step(batch)
		}
	}
}

func (b *Block) step(d *dmaChannel) {
	if !d.active {
		return
	}

	sm := d.cfg.Dest
	if !b.running(sm) {
		return
	}

	size := int(d.cfg.Size)
	b.sms[sm].output = append(b.sms[sm].output, d.src[d.pos:d.pos+size]...)
	if d.increment {
		d.pos += size
	}

	d.remaining--
	if d.remaining == 0 {
		d.active = false
		d.pending = true
	}
}

// running reports whether sm is shifting data. Data-only programs need a running clock generator.
func (b *Block) running(sm int) bool {
	s := &b.sms[sm]
	if !s.enabled || !s.initialized {
		return false
	}

	if s.program != i2s.ProgramData {
		return true
	}

	for i := range b.sms {
		c := &b.sms[i]
		if c.enabled && c.initialized && c.program == i2s.ProgramClockGen {
			return true
		}
	}

	return false
}

func (b *Block) dispatch() {
	b.irqMu.Lock()
	defer b.irqMu.Unlock()

	for irq := 0; irq < NumIRQs; irq++ {
		if !b.irqOn[irq] || !b.raised(irq) {
			continue
		}

		for _, h := range b.handlers[irq] {
			h.fn()
		}
	}
}

func (b *Block) raised(irq int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.dma {
		if b.dma[i].pending && b.dma[i].enabled[irq] {
			return true
		}
	}

	return false
}

// Ticks returns the number of ticks run so far.
func (b *Block) Ticks() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ticks
}

// Events returns the state machine enable history.
func (b *Block) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Event(nil), b.events...)
}

// Output returns a copy of everything sm has shifted out.
func (b *Block) Output(sm int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sm < 0 || sm >= len(b.sms) {
		return nil
	}

	return append([]byte(nil), b.sms[sm].output...)
}

// TakeOutput returns and clears the capture of sm.
func (b *Block) TakeOutput(sm int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sm < 0 || sm >= len(b.sms) {
		return nil
	}

	out := b.sms[sm].output
	b.sms[sm].output = nil

	return out
}

// Divider returns the clock divider programmed into sm.
func (b *Block) Divider(sm int) i2s.Divider {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sms[sm].divider
}

// StartedAt returns the tick at which sm was last enabled.
func (b *Block) StartedAt(sm int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sms[sm].startedAt
}

// Program returns the program sm was initialized with, and whether it was initialized.
func (b *Block) Program(sm int) (i2s.Program, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sms[sm].program, b.sms[sm].initialized
}

// Claimed reports whether sm is claimed.
func (b *Block) Claimed(sm int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.sms[sm].claimed
}

// DMAClaimed reports whether DMA channel ch is claimed.
func (b *Block) DMAClaimed(ch int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dma[ch].claimed
}

// Transfers returns the number of transfers started on DMA channel ch.
func (b *Block) Transfers(ch int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dma[ch].transfers
}

// HandlerCount returns the number of handlers installed on irq.
func (b *Block) HandlerCount(irq int) int {
	b.irqMu.Lock()
	defer b.irqMu.Unlock()

	return len(b.handlers[irq])
}

// Function returns the function assigned to pin.
func (b *Block) Function(pin int) i2s.PinFunction {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pins[pin]
}

func (b *Block) checkSM(sm int) error {
	if sm < 0 || sm >= len(b.sms) {
		return fmt.Errorf("%w: state machine %d", ErrRange, sm)
	}

	return nil
}

func (b *Block) checkDMA(ch int) error {
	if ch < 0 || ch >= len(b.dma) {
		return fmt.Errorf("%w: DMA channel %d", ErrRange, ch)
	}

	return nil
}

func checkIRQ(irq int) {
	if irq < 0 || irq >= NumIRQs {
		panic(fmt.Sprintf("loopback: DMA IRQ %d out of range", irq))
	}
}
