package reghook

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"gohook/diag"
	"gohook/process"
)

// RingMemory is what the reader needs from the target
type RingMemory interface {
	ReadMemory(addr process.ProcessMemoryAddress, size process.ProcessMemorySize) ([]byte, error)
}

// ringReader collects published slots from one context block and hands them to the
// hook registered under the block's id, oldest first.
type ringReader struct {
	mem      RingMemory
	ctx      process.ProcessMemoryAddress
	capacity uint32
	id       uint32
	registry *Registry
	interval time.Duration
	log      *diag.Scoped

	// next is the first ticket not yet delivered or dropped; reader goroutine only
	next uint32

	hits    atomic.Uint64
	dropped atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newRingReader(mem RingMemory, ctx process.ProcessMemoryAddress, capacity, id uint32, registry *Registry, interval time.Duration, log *diag.Scoped) *ringReader {
	return &ringReader{
		mem:      mem,
		ctx:      ctx,
		capacity: capacity,
		id:       id,
		registry: registry,
		interval: interval,
		log:      log,
		done:     make(chan struct{}),
	}
}

func (r *ringReader) start() {
	r.wg.Add(1)
	go r.run()
}

// stop ends polling after a last drain and waits for the goroutine
func (r *ringReader) stop() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *ringReader) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.poll(false)
		case <-r.done:
			r.poll(true)
			return
		}
	}
}

func (r *ringReader) readTicket() (uint32, error) {
	b, err := r.mem.ReadMemory(r.ctx+offTicket, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// poll delivers every slot published since the last call.
// On the final poll tickets whose slot never got published are counted as dropped.
func (r *ringReader) poll(final bool) {
	head, err := r.readTicket()
	if err != nil {
		r.log.Warnf("read ring head at %s: %v", r.ctx.ToString(), err)
		if final {
			r.log.Warnf("ring %d closed with undelivered snapshots", r.id)
		}
		return
	}

	if behind := head - r.next; behind > r.capacity {
		r.drop(uint64(behind - r.capacity))
		r.next = head - r.capacity
	}
	if head == r.next {
		return
	}

	ring, err := r.mem.ReadMemory(r.ctx+ContextHeaderSize, process.ProcessMemorySize(r.capacity*SlotSize))
	if err != nil {
		r.log.Warnf("read ring at %s: %v", r.ctx.ToString(), err)
		return
	}

	// Anything a writer may have started overwriting during the read is unreliable
	head2, err := r.readTicket()
	if err != nil {
		head2 = head
	}

	var ready []CapturedRegisters
	t := r.next
	for ; t != head; t++ {
		slot := ring[(t&(r.capacity-1))*SlotSize:][:SlotSize]
		seq := binary.LittleEndian.Uint32(slot)
		want := t + 1

		if int32(seq-want) < 0 {
			// reserved but not published yet
			if !final {
				break
			}
			r.drop(1)
			continue
		}
		if seq != want || head2-t > r.capacity {
			r.drop(1)
			continue
		}
		ready = append(ready, decodeSlot(slot))
	}
	r.next = t

	if len(ready) == 0 {
		return
	}

	h, ok := r.registry.Lookup(r.id)
	if !ok {
		r.drop(uint64(len(ready)))
		return
	}
	for _, regs := range ready {
		r.hits.Add(1)
		h.deliver(regs)
	}
}

func (r *ringReader) drop(n uint64) {
	if n == 0 {
		return
	}
	r.hits.Add(n)
	r.dropped.Add(n)
	r.log.Debugf("ring %d dropped %d snapshots", r.id, n)
}

func decodeSlot(slot []byte) CapturedRegisters {
	var frame [frameDwords]uint32
	for i := range frame {
		frame[i] = binary.LittleEndian.Uint32(slot[4+4*i:])
	}
	return CapturedRegisters{
		EDI:      frame[0],
		ESI:      frame[1],
		EBP:      frame[2],
		ESP:      frame[3] + 4, // pushfd ran before pushad
		EBX:      frame[4],
		EDX:      frame[5],
		ECX:      frame[6],
		EAX:      frame[7],
		EFlags:   frame[8],
		Sequence: binary.LittleEndian.Uint32(slot) - 1,
	}
}
