// Package reghook captures the general purpose registers at a patched address.
//
// Install diverts the first five bytes of the target into a stub living in a trampoline
// region of the target. The stub records the registers of every thread passing through
// into a ring inside its own context block and resumes the original code. The controller
// polls the ring and calls back with each snapshot, in order, on its own goroutine.
package reghook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"gohook/config"
	"gohook/diag"
	"gohook/hook"
	"gohook/process"
	"gohook/trampoline"
	"gohook/x86"
)

// PatchWidth is the number of bytes displaced into the stub
const PatchWidth = x86.NearJumpSize

// Bytes read past the patch region so the last displaced instruction decodes fully
const decodeSlack = 15

// CapturedRegisters is the register file of one thread at the hooked address
type CapturedRegisters struct {
	EAX, EBX, ECX, EDX uint32
	ESP, EBP, ESI, EDI uint32
	EFlags             uint32
	// Sequence is the ticket of this hit, counting from 0 per install
	Sequence uint32
}

func (c CapturedRegisters) String() string {
	return c.Format(AllRegisters)
}

// Callback runs on the reader goroutine. It may query the hook but must not Uninstall or Close it.
type Callback func(CapturedRegisters)

// Memory is what a register hook needs from the target
type Memory interface {
	trampoline.Memory
	hook.Memory
}

type Options struct {
	// PollInterval is how often the ring is collected
	PollInterval time.Duration
	// DrainGrace is how long Uninstall waits for threads still inside the stub, negative for no wait
	DrainGrace time.Duration
	// RingCapacity is the number of buffered snapshots, a power of two
	RingCapacity int
	// Registers selects what the debug log shows of each snapshot, all when empty.
	// Callbacks always get the full snapshot.
	Registers Register
	// Registry defaults to DefaultRegistry()
	Registry *Registry
	Bot      string
}

func OptionsFromConfig(c *config.Config) Options {
	grace := c.DrainGrace
	if grace == 0 {
		grace = -1
	}
	return Options{
		PollInterval: c.PollInterval,
		DrainGrace:   grace,
		RingCapacity: c.RingCapacity,
		Bot:          c.Log.Bot,
	}
}

// RegisterHook is a Hook whose payload is a register capture stub
type RegisterHook struct {
	mem      Memory
	hook     *hook.Hook
	tramp    *trampoline.Trampoline
	callback Callback
	opts     Options
	registry *Registry
	log      *diag.Scoped

	// op serializes Install, Uninstall and Close
	op sync.Mutex

	mu     sync.Mutex
	id     uint32
	reader *ringReader

	pastHits    atomic.Uint64
	pastDropped atomic.Uint64
}

var _ hook.Payload = (*RegisterHook)(nil)

func New(mem Memory, patcher hook.Patcher, target process.ProcessMemoryAddress, callback Callback, opts Options, logger diag.Logger) (*RegisterHook, error) {
	if callback == nil {
		return nil, errors.New("register hook needs a callback")
	}
	if uint64(target)+PatchWidth > 0xFFFFFFFF {
		return nil, errors.Errorf("target %s outside 32-bit address space", target.ToString())
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultPollInterval
	}
	if opts.DrainGrace == 0 {
		opts.DrainGrace = config.DefaultDrainGrace
	}
	if opts.RingCapacity == 0 {
		opts.RingCapacity = config.DefaultRingCapacity
	}
	if opts.RingCapacity < 0 || opts.RingCapacity > config.MaxRingCapacity || !isPowerOfTwo(uint32(opts.RingCapacity)) {
		return nil, errors.Errorf("ring capacity %d must be a power of two up to %d", opts.RingCapacity, config.MaxRingCapacity)
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}

	log := diag.NewScoped(logger, diag.Hooks)
	if opts.Bot != "" {
		log = log.WithBot(opts.Bot)
	}

	r := &RegisterHook{
		mem:      mem,
		tramp:    trampoline.New(mem, logger),
		callback: callback,
		opts:     opts,
		registry: opts.Registry,
		log:      log,
	}
	r.hook = hook.New(mem, patcher, target, PatchWidth, r, logger)
	if opts.Bot != "" {
		r.hook.WithBot(opts.Bot)
	}
	return r, nil
}

// Install patches the target and starts collecting snapshots
func (r *RegisterHook) Install(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()

	if err := r.hook.Install(ctx); err != nil {
		return err
	}

	if err := r.setEnabled(true); err != nil {
		if uerr := r.hook.Uninstall(ctx); uerr != nil {
			r.log.Errorf("back out hook at %s: %v", r.hook.Target().ToString(), uerr)
		}
		return hook.NewError(hook.CreateTrampoline, err, "enable capture context")
	}

	r.mu.Lock()
	r.reader = newRingReader(r.mem, r.contextAddress(), uint32(r.opts.RingCapacity), r.id, r.registry, r.opts.PollInterval, r.log)
	r.reader.start()
	r.mu.Unlock()

	r.log.Infof("capturing registers at %s, stub %s, id %d", r.hook.Target().ToString(), r.tramp.Address().ToString(), r.ID())
	return nil
}

// Uninstall puts the original bytes back, delivers what is left in the ring and frees the stub
func (r *RegisterHook) Uninstall(ctx context.Context) error {
	r.op.Lock()
	defer r.op.Unlock()
	return r.hook.Uninstall(ctx)
}

// Close uninstalls if needed and releases the trampoline for good
func (r *RegisterHook) Close() error {
	r.op.Lock()
	defer r.op.Unlock()

	if r.hook.IsInstalled() {
		if err := r.hook.Uninstall(context.Background()); err != nil {
			return err
		}
	}
	return r.tramp.Close()
}

// Prepare validates the displaced bytes, builds the stub and its context block and
// returns the jump into the stub. The context starts disabled.
func (r *RegisterHook) Prepare(ctx context.Context, target process.ProcessMemoryAddress, original []byte) ([]byte, error) {
	code, err := r.mem.ReadMemory(target, PatchWidth+decodeSlack)
	if err != nil {
		code = original
	}
	if _, err := x86.ValidatePatchRegion(code, PatchWidth); err != nil {
		return nil, hook.NewError(hook.CreateTrampoline, err, "displaced bytes cannot run from the stub")
	}

	capacity := uint32(r.opts.RingCapacity)
	if err := r.tramp.Allocate(process.ProcessMemorySize(RegionSize(capacity))); err != nil {
		return nil, hook.NewError(hook.CreateTrampoline, err, "allocate stub")
	}
	stub := r.tramp.Address()
	if uint64(stub)+uint64(RegionSize(capacity)) > 0xFFFFFFFF {
		r.freeTrampoline()
		return nil, hook.NewError(hook.CreateTrampoline, nil, "stub allocated outside 32-bit address space")
	}

	id := r.registry.Register(r)
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()

	jump, err := r.writeStub(target, stub, original[:PatchWidth], id, capacity)
	if err != nil {
		r.registry.Release(id)
		r.freeTrampoline()
		return nil, hook.NewError(hook.CreateTrampoline, err, "write stub")
	}

	r.log.Debugf("stub %s for %s, id %d, %d slots", stub.ToString(), target.ToString(), id, capacity)
	return jump, nil
}

func (r *RegisterHook) writeStub(target, stub process.ProcessMemoryAddress, displaced []byte, id, capacity uint32) ([]byte, error) {
	ctxAddr := stub + StubRegionSize
	code, err := BuildStub(uint32(stub), uint32(ctxAddr), capacity, displaced, uint32(target)+PatchWidth)
	if err != nil {
		return nil, err
	}
	if err := r.tramp.WriteAt(0, code); err != nil {
		return nil, err
	}

	block := make([]byte, ContextSize(capacity))
	copy(block, contextHeader(false, id, capacity))
	if err := r.tramp.WriteAt(StubRegionSize, block); err != nil {
		return nil, err
	}

	return x86.NearJump(uint64(target), uint64(stub))
}

// Release runs once the original bytes are back: no new thread can enter the stub,
// threads already inside get DrainGrace to leave before the region goes away.
func (r *RegisterHook) Release(ctx context.Context) error {
	if r.tramp.IsAllocated() {
		if err := r.setEnabled(false); err != nil {
			r.log.Warnf("disable capture context: %v", err)
		}
	}

	r.mu.Lock()
	reader, id := r.reader, r.id
	r.mu.Unlock()

	if reader != nil {
		if r.opts.DrainGrace > 0 {
			select {
			case <-time.After(r.opts.DrainGrace):
			case <-ctx.Done():
			}
		}
		reader.stop()
	}

	r.mu.Lock()
	if reader != nil {
		r.pastHits.Add(reader.hits.Load())
		r.pastDropped.Add(reader.dropped.Load())
	}
	r.reader = nil
	r.id = 0
	r.mu.Unlock()

	r.registry.Release(id)
	return r.tramp.Free()
}

func (r *RegisterHook) freeTrampoline() {
	if err := r.tramp.Free(); err != nil {
		r.log.Errorf("free stub: %v", err)
	}
}

func (r *RegisterHook) setEnabled(enabled bool) error {
	var v byte
	if enabled {
		v = 1
	}
	return r.tramp.WriteAt(StubRegionSize+offEnabled, []byte{v, 0, 0, 0})
}

func (r *RegisterHook) contextAddress() process.ProcessMemoryAddress {
	return r.tramp.Address() + StubRegionSize
}

func (r *RegisterHook) deliver(regs CapturedRegisters) {
	r.log.Debugf("hit at %s %s", r.hook.Target().ToString(), regs.Format(r.opts.Registers))
	r.callback(regs)
}

// Hits counts snapshots accounted for across installs, delivered or dropped
func (r *RegisterHook) Hits() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.pastHits.Load()
	if r.reader != nil {
		n += r.reader.hits.Load()
	}
	return n
}

// Dropped counts snapshots lost to ring overruns
func (r *RegisterHook) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.pastDropped.Load()
	if r.reader != nil {
		n += r.reader.dropped.Load()
	}
	return n
}

// ID is the registry id while installed, 0 otherwise
func (r *RegisterHook) ID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// StubAddress is where the stub lives while installed
func (r *RegisterHook) StubAddress() process.ProcessMemoryAddress {
	return r.tramp.Address()
}

func (r *RegisterHook) IsInstalled() bool {
	return r.hook.IsInstalled()
}

func (r *RegisterHook) LastError() hook.HookError {
	return r.hook.LastError()
}

func (r *RegisterHook) Err() error {
	return r.hook.Err()
}

func (r *RegisterHook) Target() process.ProcessMemoryAddress {
	return r.hook.Target()
}

// Hook exposes the underlying state machine
func (r *RegisterHook) Hook() *hook.Hook {
	return r.hook
}
