package workload

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/mmu"
)

// ErrMismatch is returned when a mapping does not resolve to the frame it
// was entered with.
var ErrMismatch = errors.New("workload: translation mismatch")

const maxFaultRetries = 8

// Result counts what the workers did.
type Result struct {
	Enters       uint64
	Removes      uint64
	Translations uint64
	TLBHits      uint64
	Faults       uint64
	Zeroes       uint64
	Copies       uint64
}

type counters struct {
	enters       atomic.Uint64
	removes      atomic.Uint64
	translations atomic.Uint64
	tlbHits      atomic.Uint64
	faults       atomic.Uint64
	zeroes       atomic.Uint64
	copies       atomic.Uint64
}

func (c *counters) result() Result {
	return Result{
		Enters:       c.enters.Load(),
		Removes:      c.removes.Load(),
		Translations: c.translations.Load(),
		TLBHits:      c.tlbHits.Load(),
		Faults:       c.faults.Load(),
		Zeroes:       c.zeroes.Load(),
		Copies:       c.copies.Load(),
	}
}

// Progress is told about every operation a worker finishes. err is the
// failure that stops the worker, or nil.
type Progress func(worker int, err error)

// Run starts cfg.NumWorkers workers, each owning a private window of kernel
// pages and frames, and checks every mapping it makes. progress, if not nil,
// is called after every operation.
func Run(
	ctx context.Context,
	env *Env,
	cfg Config,
	progress Progress,
) (Result, error) {
	var c counters

	frames := make([][]uint64, cfg.NumWorkers)
	for w := range frames {
		frames[w] = make([]uint64, cfg.PagesPerWorker)
		for j := range frames[w] {
			pa, err := env.Alloc.AllocPages(1)
			if err != nil {
				return Result{}, fmt.Errorf("allocate frames: %w", err)
			}

			frames[w][j] = pa
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	for w := 0; w < cfg.NumWorkers; w++ {
		id := w
		wk := &worker{
			env:    env,
			cpu:    env.Machine.CPUs()[w%env.Machine.NumCPUs()],
			rng:    rand.New(rand.NewSource(cfg.Seed + int64(w))),
			vaBase: workVAStart + uint64(w*cfg.PagesPerWorker)*vm.PageSize,
			frames: frames[w],
			mapped: make([]bool, cfg.PagesPerWorker),
			c:      &c,
		}

		g.Go(func() error {
			defer wk.unmapAll()

			for i := 0; i < cfg.OpsPerWorker; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				err := wk.step()
				if progress != nil {
					progress(id, err)
				}

				if err != nil {
					return err
				}
			}

			return nil
		})
	}

	err := g.Wait()

	return c.result(), err
}

type worker struct {
	env    *Env
	cpu    *mmu.CPU
	rng    *rand.Rand
	vaBase uint64
	frames []uint64
	mapped []bool
	c      *counters
}

func (w *worker) va(j int) uint64 {
	return w.vaBase + uint64(j)*vm.PageSize
}

func (w *worker) step() error {
	j := w.rng.Intn(len(w.frames))

	switch op := w.rng.Intn(10); {
	case op < 3:
		return w.enter(j)
	case op < 7:
		return w.check(j)
	case op < 8:
		return w.remove(j)
	case op < 9:
		return w.zero(j)
	default:
		return w.copy(j, w.rng.Intn(len(w.frames)))
	}
}

func (w *worker) enter(j int) error {
	w.env.System.KEnter(w.va(j), w.frames[j], vm.ProtRW, vm.CacheWriteBack)
	w.mapped[j] = true
	w.c.enters.Add(1)

	return w.store(j, w.rng.Uint64())
}

// store writes v at the start of page j through its translation.
func (w *worker) store(j int, v uint64) error {
	pa, err := w.translate(w.va(j), mmu.AccessStore)
	if err != nil {
		return err
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return w.env.Machine.Storage().Write(pa, buf)
}

func (w *worker) check(j int) error {
	off := uint64(w.rng.Intn(int(vm.PageSize)))
	va := w.va(j) + off

	pa, err := w.translate(va, mmu.AccessLoad)
	if !w.mapped[j] {
		if !errors.Is(err, mmu.ErrPageFault) {
			return fmt.Errorf("%w: unmapped %#x translated (err %v)",
				ErrMismatch, va, err)
		}

		if _, ok := w.env.System.Extract(w.env.System.Kernel(), va); ok {
			return fmt.Errorf("%w: unmapped %#x extracts", ErrMismatch, va)
		}

		return nil
	}

	if err != nil {
		return err
	}

	if pa != w.frames[j]|off {
		return fmt.Errorf("%w: %#x translated to %#x, want %#x",
			ErrMismatch, va, pa, w.frames[j]|off)
	}

	got, ok := w.env.System.Extract(w.env.System.Kernel(), va)
	if !ok || got != pa {
		return fmt.Errorf("%w: %#x extracts to %#x", ErrMismatch, va, got)
	}

	return nil
}

func (w *worker) remove(j int) error {
	w.env.System.KRemove(w.va(j), w.va(j)+vm.PageSize)
	w.mapped[j] = false
	w.c.removes.Add(1)

	return nil
}

func (w *worker) zero(j int) error {
	if err := w.env.System.ZeroPage(w.frames[j]); err != nil {
		return err
	}

	w.c.zeroes.Add(1)

	data, err := w.env.Machine.Storage().Read(w.frames[j], vm.PageSize)
	if err != nil {
		return err
	}

	if !bytes.Equal(data, make([]byte, vm.PageSize)) {
		return fmt.Errorf("%w: frame %#x not zero", ErrMismatch, w.frames[j])
	}

	return nil
}

func (w *worker) copy(src, dst int) error {
	if src == dst {
		return nil
	}

	err := w.env.System.CopyPage(w.frames[src], w.frames[dst])
	if err != nil {
		return err
	}

	w.c.copies.Add(1)

	storage := w.env.Machine.Storage()

	a, err := storage.Read(w.frames[src], vm.PageSize)
	if err != nil {
		return err
	}

	b, err := storage.Read(w.frames[dst], vm.PageSize)
	if err != nil {
		return err
	}

	if !bytes.Equal(a, b) {
		return fmt.Errorf("%w: copy %#x to %#x differs",
			ErrMismatch, w.frames[src], w.frames[dst])
	}

	return nil
}

// translate resolves va on the worker's CPU. Page faults on mappings the
// table has evicted are handled by spilling the mapping back.
func (w *worker) translate(va uint64, access mmu.Access) (uint64, error) {
	for i := 0; i < maxFaultRetries; i++ {
		tr, err := w.cpu.Translate(va, access)
		if err == nil {
			w.c.translations.Add(1)
			if tr.TLBHit {
				w.c.tlbHits.Add(1)
			}

			return tr.PA, nil
		}

		if !errors.Is(err, mmu.ErrPageFault) {
			return 0, err
		}

		w.c.faults.Add(1)

		if !w.env.System.Spill(va) {
			return 0, err
		}
	}

	return 0, fmt.Errorf("%#x keeps faulting after %d spills",
		va, maxFaultRetries)
}

func (w *worker) unmapAll() {
	for j := range w.mapped {
		if w.mapped[j] {
			w.env.System.KRemove(w.va(j), w.va(j)+vm.PageSize)
			w.mapped[j] = false
		}
	}
}
