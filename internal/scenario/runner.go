package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmext/internal/dispatch"
	"github.com/tinyrange/vmext/internal/ept"
	"github.com/tinyrange/vmext/internal/hw"
	"github.com/tinyrange/vmext/internal/mm"
	"github.com/tinyrange/vmext/internal/vcpu"
	"github.com/tinyrange/vmext/internal/vmx"
	"github.com/tinyrange/vmext/internal/vpid"
)

// Runner replays scenarios.
type Runner struct {
	// Logger receives every vCPU's enabled logs once its exits have been
	// replayed. Nil discards them.
	Logger *slog.Logger

	// OnExit is called after each exit is handled. vCPUs replay
	// concurrently, so it may be called from several goroutines at once.
	OnExit func(ExitResult)
}

// ExitResult is the outcome of one replayed exit.
type ExitResult struct {
	VCPU   uint64
	Index  int
	Name   string
	Reason vmx.Reason

	// Err is the error returned by the vCPU's exit handler.
	Err error

	// Failures lists the expectations the exit did not meet.
	Failures []string

	Duration time.Duration
}

func (r *ExitResult) Passed() bool { return len(r.Failures) == 0 }

// Result is the outcome of a scenario.
type Result struct {
	Name string

	// Exits are ordered by vCPU, then by position in the file.
	Exits []ExitResult

	Passed   int
	Failed   int
	Duration time.Duration
}

func (r *Result) OK() bool { return r.Failed == 0 }

// Failures returns the exits that did not meet their expectations.
func (r *Result) Failures() []ExitResult {
	var out []ExitResult
	for _, e := range r.Exits {
		if !e.Passed() {
			out = append(out, e)
		}
	}
	return out
}

type machine struct {
	desc *VCPU
	vmcs *vmx.SoftVMCS
	cpu  *hw.Emulated
	mem  *mm.FlatMemory
	v    *vcpu.VCPU
}

// RunAll loads and runs each file in turn. It stops at the first file that
// cannot be loaded or set up; failed expectations do not stop it.
func (r *Runner) RunAll(ctx context.Context, paths []string) ([]*Result, error) {
	results := make([]*Result, 0, len(paths))
	for _, path := range paths {
		f, err := Load(path)
		if err != nil {
			return results, err
		}
		res, err := r.Run(ctx, f)
		if err != nil {
			return results, fmt.Errorf("%s: %w", path, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Run replays f. Each vCPU gets its own VMCS, emulated CPU and guest memory;
// page allocation, the VPID allocator and the file's EPT map are shared.
// vCPUs are set up one at a time and then replayed concurrently.
func (r *Runner) Run(ctx context.Context, f *File) (*Result, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	slog.Debug("scenario: run", "name", f.Name, "vcpus", len(f.VCPUs), "exits", f.NumExits())

	pool := mm.NewPool(0)
	defer func() {
		if err := pool.Close(); err != nil {
			slog.Warn("scenario: close pool", "error", err)
		}
	}()

	var shared *ept.Map
	if f.EPT != nil {
		m, err := vcpu.BuildEPT(pool, f.EPT)
		if err != nil {
			return nil, fmt.Errorf("scenario: shared ept: %w", err)
		}
		shared = m
		defer shared.Release()
	}

	vpids := vpid.NewAllocator(0)
	machines := make([]*machine, 0, len(f.VCPUs))
	defer func() {
		for _, m := range machines {
			m.v.Close()
		}
	}()
	for i := range f.VCPUs {
		m, err := setup(f, &f.VCPUs[i], pool, shared, vpids)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}

	perVCPU := make([][]ExitResult, len(machines))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		g.Go(func() error {
			res, err := r.replay(gctx, m)
			perVCPU[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if r.Logger != nil {
		for _, m := range machines {
			m.v.DumpLogs(r.Logger)
		}
	}

	res := &Result{Name: f.Name, Duration: time.Since(start)}
	for _, exits := range perVCPU {
		for _, e := range exits {
			if e.Passed() {
				res.Passed++
			} else {
				res.Failed++
			}
			res.Exits = append(res.Exits, e)
		}
	}
	return res, nil
}

func setup(f *File, c *VCPU, pool *mm.Pool, shared *ept.Map, vpids *vpid.Allocator) (*machine, error) {
	vmcs := vmx.NewSoftVMCS(c.ID)
	cpu := hw.NewEmulated()
	for msr, val := range c.MSRs {
		cpu.WriteMSR(msr, val)
	}
	for port, val := range c.Ports {
		cpu.SetPort(port, val)
	}
	cpu.SeedFromHost(c.HostCPUID...)
	for _, l := range c.CPUID {
		cpu.SetCPUID(l.Leaf, l.Subleaf, l.EAX, l.EBX, l.ECX, l.EDX)
	}
	mem := mm.NewFlatMemory(0, c.memorySize())

	opts := []vcpu.Option{vcpu.WithGuestMemory(mem), vcpu.WithVPIDAllocator(vpids)}
	if f.Policy != nil {
		opts = append(opts, vcpu.WithPolicy(f.Policy))
	}
	v, err := vcpu.New(c.ID, vmcs, dispatch.NewExits(), cpu, pool, opts...)
	if err != nil {
		return nil, fmt.Errorf("scenario: vcpu %d: %w", c.ID, err)
	}

	if shared != nil {
		v.SetEPTP(shared)
	}
	if f.VIC {
		if _, err := v.EnableVIC(); err != nil {
			v.Close()
			return nil, fmt.Errorf("scenario: %w", err)
		}
	}

	// Setup traffic is not part of the replay.
	cpu.Trace()
	return &machine{desc: c, vmcs: vmcs, cpu: cpu, mem: mem, v: v}, nil
}

func (r *Runner) replay(ctx context.Context, m *machine) ([]ExitResult, error) {
	out := make([]ExitResult, 0, len(m.desc.Exits))
	for i := range m.desc.Exits {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res := m.step(i, &m.desc.Exits[i])
		if r.OnExit != nil {
			r.OnExit(res)
		}
		out = append(out, res)
	}
	return out, nil
}

func (m *machine) step(i int, e *Exit) (res ExitResult) {
	start := time.Now()
	res = ExitResult{VCPU: m.desc.ID, Index: i, Name: e.Title(), Reason: vmx.Reason(e.Reason)}
	defer func() { res.Duration = time.Since(start) }()

	qual, err := e.qualification()
	if err != nil {
		res.Failures = []string{err.Error()}
		return res
	}

	state := m.vmcs.State()
	if e.RIP != nil {
		state.Rip = *e.RIP
	}
	if len(e.Code) > 0 {
		at := m.vmcs.Read(vmx.GuestCSBase) + state.Rip
		if err := m.mem.WriteGuest(at, m.vmcs.Read(vmx.GuestCR3), e.Code); err != nil {
			res.Failures = []string{fmt.Sprintf("write code: %v", err)}
			return res
		}
	}
	for name, val := range e.Registers {
		n, _ := vmx.ParseGPR(name)
		state.GPRs[n] = val
	}

	length := e.Length
	if length == 0 {
		length = 2
	}

	// The previous exit's injection was consumed by the VM entry that
	// preceded this exit.
	m.vmcs.Write(vmx.EntryInterruption, 0)
	m.vmcs.Exit(vmx.Reason(e.Reason), qual, length)

	if e.RFLAGS != nil {
		m.vmcs.Write(vmx.GuestRFLAGS, *e.RFLAGS)
	}
	if e.Activity != nil {
		m.vmcs.Write(vmx.GuestActivityState, *e.Activity)
	}
	if e.Interruptibility != nil {
		m.vmcs.Write(vmx.GuestInterruptibility, *e.Interruptibility)
	}
	if e.GPA != 0 {
		m.vmcs.Write(vmx.GuestPhysicalAddr, e.GPA)
	}
	if e.Vector != nil {
		var info uint64
		info = vmx.InterruptionVector.Set(info, *e.Vector)
		info = vmx.InterruptionType.Set(info, vmx.InterruptionExternal)
		info = vmx.InterruptionValid.Enable(info)
		m.vmcs.Write(vmx.ExitInterruptionInfo, info)
	}

	res.Err = m.v.Handle()
	res.Failures = check(&e.Expect, res.Err, m.vmcs)
	return res
}

func check(want *Expect, err error, vmcs vmx.VMCS) []string {
	var fails []string
	if msg := checkError(want.Error, err); msg != "" {
		fails = append(fails, msg)
	}

	state := vmcs.State()
	for _, name := range slices.Sorted(maps.Keys(want.Registers)) {
		n, _ := vmx.ParseGPR(name)
		if got := state.GPRs[n]; got != want.Registers[name] {
			fails = append(fails, fmt.Sprintf("%s = 0x%x, want 0x%x", name, got, want.Registers[name]))
		}
	}
	if want.RIP != nil && state.Rip != *want.RIP {
		fails = append(fails, fmt.Sprintf("rip = 0x%x, want 0x%x", state.Rip, *want.RIP))
	}
	if want.Injected != nil {
		info := vmcs.Read(vmx.EntryInterruption)
		switch {
		case !vmx.InterruptionValid.IsEnabled(info):
			fails = append(fails, fmt.Sprintf("nothing injected, want vector 0x%x", *want.Injected))
		case vmx.InterruptionVector.Get(info) != *want.Injected:
			fails = append(fails, fmt.Sprintf("injected 0x%x, want 0x%x", vmx.InterruptionVector.Get(info), *want.Injected))
		}
	}
	return fails
}

func checkError(want string, err error) string {
	var ok bool
	switch want {
	case "":
		if err != nil {
			return fmt.Sprintf("unexpected error: %v", err)
		}
		return ""
	case "any":
		ok = err != nil
	case "fatal":
		ok = vmx.IsFatal(err)
	case "unhandled":
		ok = errors.Is(err, vmx.ErrUnhandledExit)
	case "unsupported":
		ok = errors.Is(err, vmx.ErrUnsupportedAccess)
	default:
		ok = err != nil && strings.Contains(err.Error(), want)
	}
	switch {
	case ok:
		return ""
	case err == nil:
		return fmt.Sprintf("succeeded, want %s error", want)
	}
	return fmt.Sprintf("error %q, want %s", err, want)
}
