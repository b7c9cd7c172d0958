package dispatch

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/vmext/internal/vmx"
)

type info struct {
	order []int
}

func record(n int, claim bool) Delegate[info] {
	return func(_ vmx.VMCS, i *info) (bool, error) {
		i.order = append(i.order, n)
		return claim, nil
	}
}

func TestChainRunsMostRecentFirst(t *testing.T) {
	var c Chain[info]
	c.Add(record(1, true))
	c.Add(record(2, false))
	c.Add(record(3, false))

	var i info
	claimed, err := c.Run(vmx.NewSoftVMCS(0), &i)
	if err != nil || !claimed {
		t.Fatalf("Run = %v, %v", claimed, err)
	}
	if diff := cmp.Diff([]int{3, 2, 1}, i.order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestChainStopsAtClaim(t *testing.T) {
	var c Chain[info]
	c.Add(record(1, false))
	c.Add(record(2, true))

	var i info
	claimed, _ := c.Run(vmx.NewSoftVMCS(0), &i)
	if !claimed || len(i.order) != 1 {
		t.Fatalf("claimed=%v order=%v", claimed, i.order)
	}
}

func TestChainErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	var c Chain[info]
	c.Add(record(1, true))
	c.Add(func(vmx.VMCS, *info) (bool, error) { return false, boom })

	var i info
	if _, err := c.Run(vmx.NewSoftVMCS(0), &i); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(i.order) != 0 {
		t.Fatalf("chain continued after error: %v", i.order)
	}
}

func TestKeyed(t *testing.T) {
	var k Keyed[uint32, info]
	k.Add(0x10, record(1, true))

	var i info
	found, claimed, err := k.Run(0x11, vmx.NewSoftVMCS(0), &i)
	if found || claimed || err != nil {
		t.Fatalf("Run(missing) = %v, %v, %v", found, claimed, err)
	}
	found, claimed, _ = k.Run(0x10, vmx.NewSoftVMCS(0), &i)
	if !found || !claimed {
		t.Fatalf("Run(0x10) = %v, %v", found, claimed)
	}
	if !k.Has(0x10) || len(k.Keys()) != 1 {
		t.Fatalf("keys = %v", k.Keys())
	}
}

func TestLogDropsOldest(t *testing.T) {
	l := NewLog[int](3)
	l.Add(0)
	if len(l.Records()) != 0 {
		t.Fatalf("disabled log recorded")
	}
	l.Enable()
	for n := 1; n <= 5; n++ {
		l.Add(n)
	}
	if diff := cmp.Diff([]int{3, 4, 5}, l.Records()); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l.Dump(logger, "test", func(n int) []any { return []any{"n", n} })
	if got := strings.Count(buf.String(), "test.n="); got != 3 {
		t.Fatalf("dumped %d records:\n%s", got, buf.String())
	}
}

func TestExitsUnhandled(t *testing.T) {
	e := NewExits()
	v := vmx.NewSoftVMCS(0)
	v.Exit(vmx.ReasonCPUID, 0, 2)

	if err := e.Handle(v); !errors.Is(err, vmx.ErrUnhandledExit) {
		t.Fatalf("err = %v, want ErrUnhandledExit", err)
	}

	e.AddHandler(vmx.ReasonCPUID, func(vmx.VMCS) (bool, error) { return false, nil })
	if err := e.Handle(v); !vmx.IsFatal(err) {
		t.Fatalf("unclaimed chain err = %v, want fatal", err)
	}

	var ran []string
	e.AddHandler(vmx.ReasonCPUID, func(vmx.VMCS) (bool, error) { ran = append(ran, "first"); return true, nil })
	e.AddHandler(vmx.ReasonCPUID, func(vmx.VMCS) (bool, error) { ran = append(ran, "second"); return false, nil })
	if err := e.Handle(v); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if diff := cmp.Diff([]string{"second", "first"}, ran); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}
