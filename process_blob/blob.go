// Package process_blob is an in-memory stand-in for a target process.
// It implements process.Process over a set of mapped regions with page protections,
// tracks remote allocations and emulates remote threads through an Executor.
package process_blob

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gohook/process"
	"gohook/process/memory_map"
)

// PageSize is the protection granularity of the simulated address space
const PageSize = 0x1000

// AllocationBase is where Allocate starts handing out regions
const AllocationBase process.ProcessMemoryAddress = 0x20000000

// Op names an operation that can be made to fail with InjectFault
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpAllocate
	OpFree
	OpProtect
	OpQuery
	OpFlush
	OpCreateThread
	OpWait
	OpModules
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpAllocate:
		return "allocate"
	case OpFree:
		return "free"
	case OpProtect:
		return "protect"
	case OpQuery:
		return "query"
	case OpFlush:
		return "flush"
	case OpCreateThread:
		return "create-thread"
	case OpWait:
		return "wait"
	case OpModules:
		return "modules"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Executor runs in place of the machine code at entry when a remote thread is started.
// Its return value becomes the thread exit code.
type Executor func(p *ProcessBlob, entry, param process.ProcessMemoryAddress) uint32

// FlushRecord remembers one FlushInstructionCache call
type FlushRecord struct {
	Address process.ProcessMemoryAddress
	Size    process.ProcessMemorySize
}

type region struct {
	base      process.ProcessMemoryAddress
	data      []byte
	pages     []process.ProcessMemoryProtection
	allocated bool
}

func (r *region) end() process.ProcessMemoryAddress {
	return r.base + process.ProcessMemoryAddress(len(r.data))
}

func (r *region) contains(addr process.ProcessMemoryAddress) bool {
	return addr >= r.base && addr < r.end()
}

type fault struct {
	skip int
	err  error
}

type thread struct {
	entry, param process.ProcessMemoryAddress
	done         chan struct{}
	exitCode     uint32
	finished     bool
}

// ProcessBlob implements process.Process on top of Go byte slices
type ProcessBlob struct {
	mu sync.Mutex

	pid    process.ProcessID
	opened bool

	regions   []*region
	nextAlloc process.ProcessMemoryAddress

	modules      []process.ModuleInfo
	mainModule   string
	mainBase     process.ProcessMemoryAddress
	moduleLookup int

	faults map[Op]*fault

	executor   Executor
	hang       bool
	threads    map[process.ThreadHandle]*thread
	nextThread process.ThreadHandle
	terminated int

	flushes []FlushRecord
}

var _ process.Process = (*ProcessBlob)(nil)

// NewProcessBlob creates an opened simulated process with an empty address space
func NewProcessBlob(pid process.ProcessID) *ProcessBlob {
	return &ProcessBlob{
		pid:        pid,
		opened:     true,
		nextAlloc:  AllocationBase,
		mainModule: process.DefaultMainModule,
		faults:     make(map[Op]*fault),
		threads:    make(map[process.ThreadHandle]*thread),
		nextThread: 0x100,
	}
}

// Map adds a region at base holding a copy of data, every page set to protection
func (p *ProcessBlob) Map(base process.ProcessMemoryAddress, data []byte, protection process.ProcessMemoryProtection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := &region{base: base, data: append([]byte(nil), data...)}
	r.pages = make([]process.ProcessMemoryProtection, pageCount(base, len(data)))
	for i := range r.pages {
		r.pages[i] = protection
	}
	p.insertRegion(r)
}

// AddModule registers a loaded module; it does not map the image
func (p *ProcessBlob) AddModule(module process.ModuleInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modules = append(p.modules, module)
}

// SetExecutor installs the function that emulates code run by remote threads
func (p *ProcessBlob) SetExecutor(executor Executor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executor = executor
}

// SetHang makes new remote threads never finish until terminated
func (p *ProcessBlob) SetHang(hang bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang = hang
}

// InjectFault makes the (skip+1)-th next call of op fail with err
func (p *ProcessBlob) InjectFault(op Op, skip int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = &fault{skip: skip, err: err}
}

// ClearFaults removes every pending fault
func (p *ProcessBlob) ClearFaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults = make(map[Op]*fault)
}

// Outstanding returns the number of live allocations made through Allocate
func (p *ProcessBlob) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.regions {
		if r.allocated {
			n++
		}
	}
	return n
}

// OpenThreads returns the number of thread handles not yet closed
func (p *ProcessBlob) OpenThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Terminated returns how many threads were killed with TerminateThread
func (p *ProcessBlob) Terminated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Flushes returns every FlushInstructionCache call so far
func (p *ProcessBlob) Flushes() []FlushRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FlushRecord(nil), p.flushes...)
}

// ModuleLookups counts live module snapshots taken by ResolveModuleBase and Modules
func (p *ProcessBlob) ModuleLookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moduleLookup
}

// Peek reads memory ignoring page protection
func (p *ProcessBlob) Peek(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.findRegion(addr, size)
	if r == nil {
		return nil, fmt.Errorf("peek %s: %w", addr.ToString(), process.ErrAddressNotMapped)
	}
	off := addr - r.base
	out := make([]byte, size)
	copy(out, r.data[off:])
	return out, nil
}

// Poke writes memory ignoring page protection, the way code inside the target would
func (p *ProcessBlob) Poke(addr process.ProcessMemoryAddress, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.findRegion(addr, process.ProcessMemorySize(len(data)))
	if r == nil {
		return fmt.Errorf("poke %s: %w", addr.ToString(), process.ErrAddressNotMapped)
	}
	copy(r.data[addr-r.base:], data)
	return nil
}

// Atomically runs fn with exclusive access to the address space.
// fn must not call back into the blob; it gets a View instead.
func (p *ProcessBlob) Atomically(fn func(view *View)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&View{p: p})
}

// View is the address space as seen under the blob's lock
type View struct {
	p *ProcessBlob
}

// Uint32 reads a little-endian dword, 0 when unmapped
func (v *View) Uint32(addr process.ProcessMemoryAddress) uint32 {
	r := v.p.findRegion(addr, 4)
	if r == nil {
		return 0
	}
	b := r.data[addr-r.base:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PutUint32 writes a little-endian dword, ignored when unmapped
func (v *View) PutUint32(addr process.ProcessMemoryAddress, value uint32) {
	r := v.p.findRegion(addr, 4)
	if r == nil {
		return
	}
	b := r.data[addr-r.base:]
	b[0], b[1], b[2], b[3] = byte(value), byte(value>>8), byte(value>>16), byte(value>>24)
}

func (p *ProcessBlob) Open(pid process.ProcessID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pid != p.pid {
		return fmt.Errorf("open pid %d: %w", pid, process.ErrProcessOpen)
	}
	p.opened = true
	return nil
}

func (p *ProcessBlob) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	return nil
}

func (p *ProcessBlob) GetPID() process.ProcessID {
	return p.pid
}

func (p *ProcessBlob) UpdateMemoryMap() error {
	return nil // The map is derived from the regions on every call
}

func (p *ProcessBlob) IsValidAddress(addr process.ProcessMemoryAddress) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findRegion(addr, 1) != nil
}

func (p *ProcessBlob) GetMemoryMap() ([]memory_map.MemoryMapItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []memory_map.MemoryMapItem
	for _, r := range p.regions {
		// Coalesce runs of pages with equal protection, like VirtualQueryEx does
		alignedBase := r.base &^ (PageSize - 1)
		start := 0
		for i := 1; i <= len(r.pages); i++ {
			if i < len(r.pages) && r.pages[i] == r.pages[start] {
				continue
			}
			addr := alignedBase + process.ProcessMemoryAddress(start*PageSize)
			if addr < r.base {
				addr = r.base
			}
			end := alignedBase + process.ProcessMemoryAddress(i*PageSize)
			if end > r.end() {
				end = r.end()
			}
			result = append(result, memory_map.MemoryMapItem{
				Address:    uint64(addr),
				Size:       uint(end - addr),
				Protection: uint32(r.pages[start]),
				Perms:      memory_map.ProtectionPerms(uint32(r.pages[start])),
			})
			start = i
		}
	}
	return result, nil
}

func (p *ProcessBlob) ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpRead); err != nil {
		return nil, err
	}

	r := p.findRegion(addr, size)
	if r == nil {
		return nil, fmt.Errorf("read %d bytes at %s: %w", size, addr.ToString(), process.ErrMemoryAccess)
	}
	if !r.allows(addr, size, process.ProcessMemoryProtection.Readable) {
		return nil, fmt.Errorf("read %d bytes at %s: page not readable: %w", size, addr.ToString(), process.ErrMemoryAccess)
	}

	off := addr - r.base
	out := make([]byte, size)
	copy(out, r.data[off:])
	return out, nil
}

func (p *ProcessBlob) WriteMemory(addr process.ProcessMemoryAddress, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpWrite); err != nil {
		return err
	}

	size := process.ProcessMemorySize(len(data))
	r := p.findRegion(addr, size)
	if r == nil {
		return fmt.Errorf("write %d bytes at %s: %w", size, addr.ToString(), process.ErrMemoryAccess)
	}
	if !r.allows(addr, size, process.ProcessMemoryProtection.Writable) {
		return fmt.Errorf("write %d bytes at %s: page not writable: %w", size, addr.ToString(), process.ErrMemoryAccess)
	}

	copy(r.data[addr-r.base:], data)
	return nil
}

func (p *ProcessBlob) Allocate(size process.ProcessMemorySize, protection process.ProcessMemoryProtection) (process.ProcessMemoryAddress, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpAllocate); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("allocate 0 bytes: %w", process.ErrAllocation)
	}

	pages := pageCount(0, int(size))
	base := p.nextAlloc
	p.nextAlloc += process.ProcessMemoryAddress(pages*PageSize) + PageSize // leave a guard gap

	r := &region{
		base:      base,
		data:      make([]byte, pages*PageSize),
		pages:     make([]process.ProcessMemoryProtection, pages),
		allocated: true,
	}
	for i := range r.pages {
		r.pages[i] = protection
	}
	p.insertRegion(r)
	return base, nil
}

func (p *ProcessBlob) Free(addr process.ProcessMemoryAddress) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpFree); err != nil {
		return err
	}

	for i, r := range p.regions {
		if r.allocated && r.base == addr {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("free %s: not an allocation base: %w", addr.ToString(), process.ErrAllocation)
}

func (p *ProcessBlob) SetProtection(addr process.ProcessMemoryAddress, size process.ProcessMemorySize, protection process.ProcessMemoryProtection) (process.ProcessMemoryProtection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpProtect); err != nil {
		return 0, err
	}

	if size == 0 {
		size = 1
	}
	r := p.findRegion(addr, size)
	if r == nil {
		return 0, fmt.Errorf("protect %s: %w", addr.ToString(), process.ErrMemoryProtect)
	}

	first, last := r.pageRange(addr, size)
	previous := r.pages[first]
	for i := first; i <= last; i++ {
		r.pages[i] = protection
	}
	return previous, nil
}

func (p *ProcessBlob) QueryProtection(addr process.ProcessMemoryAddress) (process.ProcessMemoryProtection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpQuery); err != nil {
		return 0, err
	}

	r := p.findRegion(addr, 1)
	if r == nil {
		return 0, fmt.Errorf("query %s: %w", addr.ToString(), process.ErrAddressNotMapped)
	}
	first, _ := r.pageRange(addr, 1)
	return r.pages[first], nil
}

func (p *ProcessBlob) FlushInstructionCache(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpFlush); err != nil {
		return err
	}
	p.flushes = append(p.flushes, FlushRecord{Address: addr, Size: size})
	return nil
}

func (p *ProcessBlob) Modules() ([]process.ModuleInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check(OpModules); err != nil {
		return nil, err
	}
	p.moduleLookup++
	return append([]process.ModuleInfo(nil), p.modules...), nil
}

func (p *ProcessBlob) ResolveModuleBase(name string) (process.ProcessMemoryAddress, error) {
	modules, err := p.Modules()
	if err != nil {
		return 0, err
	}
	for _, m := range modules {
		if m.MatchName(name) {
			return m.Base, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, process.ErrModuleNotFound)
}

func (p *ProcessBlob) ResolveRelative(offset process.ProcessMemorySize) (process.ProcessMemoryAddress, error) {
	p.mu.Lock()
	base, name := p.mainBase, p.mainModule
	p.mu.Unlock()

	if base == 0 {
		resolved, err := p.ResolveModuleBase(name)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.mainBase = resolved
		p.mu.Unlock()
		base = resolved
	}
	return base + process.ProcessMemoryAddress(offset), nil
}

func (p *ProcessBlob) SetMainModule(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mainModule = name
	p.mainBase = 0
}

func (p *ProcessBlob) CreateRemoteThread(entry, param process.ProcessMemoryAddress) (process.ThreadHandle, error) {
	p.mu.Lock()
	if err := p.check(OpCreateThread); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	if r := p.findRegion(entry, 1); r == nil || !r.allows(entry, 1, process.ProcessMemoryProtection.Executable) {
		p.mu.Unlock()
		return 0, fmt.Errorf("thread entry %s not executable: %w", entry.ToString(), process.ErrRemoteThread)
	}

	p.nextThread += 4
	handle := p.nextThread
	t := &thread{entry: entry, param: param, done: make(chan struct{})}
	p.threads[handle] = t
	executor, hang := p.executor, p.hang
	p.mu.Unlock()

	if hang {
		return handle, nil
	}

	go func() {
		var code uint32
		if executor != nil {
			code = executor(p, entry, param)
		}
		p.finish(t, code)
	}()
	return handle, nil
}

func (p *ProcessBlob) WaitThread(ctx context.Context, handle process.ThreadHandle) (uint32, error) {
	p.mu.Lock()
	if err := p.check(OpWait); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	t, ok := p.threads[handle]
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("wait on unknown thread 0x%x: %w", handle, process.ErrRemoteThread)
	}

	select {
	case <-t.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return t.exitCode, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("wait thread 0x%x: %v: %w", handle, ctx.Err(), process.ErrRemoteThreadTimeout)
	}
}

func (p *ProcessBlob) TerminateThread(handle process.ThreadHandle, exitCode uint32) error {
	p.mu.Lock()
	t, ok := p.threads[handle]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminate unknown thread 0x%x: %w", handle, process.ErrRemoteThread)
	}

	if p.finish(t, exitCode) {
		p.mu.Lock()
		p.terminated++
		p.mu.Unlock()
	}
	return nil
}

func (p *ProcessBlob) CloseThread(handle process.ThreadHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.threads[handle]; !ok {
		return fmt.Errorf("close unknown thread 0x%x: %w", handle, process.ErrRemoteThread)
	}
	delete(p.threads, handle)
	return nil
}

// finish completes t once and reports whether this call did it
func (p *ProcessBlob) finish(t *thread, code uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.finished {
		return false
	}
	t.finished = true
	t.exitCode = code
	close(t.done)
	return true
}

// check must be called with mu held
func (p *ProcessBlob) check(op Op) error {
	if !p.opened {
		return process.ErrProcessNotOpen
	}

	f, ok := p.faults[op]
	if !ok {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	delete(p.faults, op)
	return fmt.Errorf("injected %s fault: %w", op, f.err)
}

// findRegion returns the region holding [addr, addr+size) or nil
func (p *ProcessBlob) findRegion(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) *region {
	i := sort.Search(len(p.regions), func(i int) bool {
		return p.regions[i].end() > addr
	})
	if i >= len(p.regions) {
		return nil
	}
	r := p.regions[i]
	if !r.contains(addr) {
		return nil
	}
	if size > 0 && addr+process.ProcessMemoryAddress(size) > r.end() {
		return nil
	}
	return r
}

func (p *ProcessBlob) insertRegion(r *region) {
	p.regions = append(p.regions, r)
	sort.Slice(p.regions, func(i, j int) bool {
		return p.regions[i].base < p.regions[j].base
	})
}

func (r *region) pageRange(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) (int, int) {
	alignedBase := r.base &^ (PageSize - 1)
	first := int((addr - alignedBase) / PageSize)
	last := int((addr + process.ProcessMemoryAddress(size) - 1 - alignedBase) / PageSize)
	if last >= len(r.pages) {
		last = len(r.pages) - 1
	}
	return first, last
}

func (r *region) allows(addr process.ProcessMemoryAddress, size process.ProcessMemorySize, perm func(process.ProcessMemoryProtection) bool) bool {
	if size == 0 {
		return true
	}
	first, last := r.pageRange(addr, size)
	for i := first; i <= last; i++ {
		if !perm(r.pages[i]) {
			return false
		}
	}
	return true
}

func pageCount(base process.ProcessMemoryAddress, size int) int {
	if size <= 0 {
		return 0
	}
	start := uint64(base) &^ (PageSize - 1)
	end := (uint64(base) + uint64(size) + PageSize - 1) &^ (PageSize - 1)
	return int((end - start) / PageSize)
}
