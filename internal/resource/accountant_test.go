package resource

import (
	"testing"
	"time"

	"hackbackend/internal/model"
)

func TestTryAdmitRAMFailsOutright(t *testing.T) {
	a := New()
	a.SetCapacity("srv1", model.ResourceTriple{CPU: 10, RAM: 10, NET: 10})

	res := a.TryAdmit("srv1", "pid-1", 5, time.Unix(0, 0), model.ResourceTriple{CPU: 1, RAM: 20, NET: 1})
	if res.OK {
		t.Fatal("expected RAM-insufficient admission to fail")
	}
	if res.Dimension != DimensionRAM {
		t.Fatalf("expected dimension RAM, got %v", res.Dimension)
	}
	if res.Deficit != 10 {
		t.Fatalf("expected deficit 10, got %v", res.Deficit)
	}

	free := a.Free("srv1")
	if free.RAM != 10 {
		t.Fatalf("failed admission must not mutate books, free RAM = %v", free.RAM)
	}
}

func TestTryAdmitReservesOnSuccess(t *testing.T) {
	a := New()
	a.SetCapacity("srv1", model.ResourceTriple{CPU: 10, RAM: 10, NET: 10})

	res := a.TryAdmit("srv1", "pid-1", 5, time.Unix(0, 0), model.ResourceTriple{CPU: 4, RAM: 4, NET: 2})
	if !res.OK {
		t.Fatalf("expected admission to succeed, got %+v", res)
	}

	free := a.Free("srv1")
	if free.CPU != 6 || free.RAM != 6 || free.NET != 8 {
		t.Fatalf("unexpected free capacity after admit: %+v", free)
	}
}

func TestMarkPausedRetainsRAMReleasesCPUAndNET(t *testing.T) {
	a := New()
	a.SetCapacity("srv1", model.ResourceTriple{CPU: 10, RAM: 10, NET: 10})
	a.TryAdmit("srv1", "pid-1", 5, time.Unix(0, 0), model.ResourceTriple{CPU: 4, RAM: 4, NET: 2})

	a.MarkPaused("srv1", "pid-1")

	free := a.Free("srv1")
	if free.CPU != 10 {
		t.Fatalf("expected CPU fully released on pause, got free CPU %v", free.CPU)
	}
	if free.NET != 10 {
		t.Fatalf("expected NET fully released on pause, got free NET %v", free.NET)
	}
	if free.RAM != 6 {
		t.Fatalf("RAM must remain reserved while paused, got free RAM %v", free.RAM)
	}
}

func TestMarkResumedFailsWithoutMutatingOnInsufficientCPU(t *testing.T) {
	a := New()
	a.SetCapacity("srv1", model.ResourceTriple{CPU: 10, RAM: 10, NET: 10})
	a.TryAdmit("srv1", "pid-1", 5, time.Unix(0, 0), model.ResourceTriple{CPU: 8, RAM: 2, NET: 1})
	a.MarkPaused("srv1", "pid-1")

	// Fill the now-free CPU with a second process so pid-1 cannot resume.
	a.TryAdmit("srv1", "pid-2", 5, time.Unix(0, 0), model.ResourceTriple{CPU: 6, RAM: 2, NET: 1})

	res := a.MarkResumed("srv1", "pid-1")
	if res.OK {
		t.Fatal("expected resume to fail when CPU is no longer available")
	}
	if res.Dimension != DimensionCPU {
		t.Fatalf("expected dimension CPU, got %v", res.Dimension)
	}

	free := a.Free("srv1")
	if free.CPU != 4 {
		t.Fatalf("failed resume must not change reservations, free CPU = %v", free.CPU)
	}
}

func TestReleaseFreesRAMEvenWhilePaused(t *testing.T) {
	a := New()
	a.SetCapacity("srv1", model.ResourceTriple{CPU: 10, RAM: 10, NET: 10})
	a.TryAdmit("srv1", "pid-1", 5, time.Unix(0, 0), model.ResourceTriple{CPU: 4, RAM: 4, NET: 2})
	a.MarkPaused("srv1", "pid-1")

	a.Release("srv1", "pid-1")

	free := a.Free("srv1")
	if free != (model.ResourceTriple{CPU: 10, RAM: 10, NET: 10}) {
		t.Fatalf("expected full capacity back after release, got %+v", free)
	}
}

func TestListByPriorityOrdersByPriorityDescThenStartAsc(t *testing.T) {
	a := New()
	a.SetCapacity("srv1", model.ResourceTriple{CPU: 100, RAM: 100, NET: 100})

	base := time.Unix(1000, 0)
	a.TryAdmit("srv1", "low-early", 1, base, model.ResourceTriple{CPU: 1, RAM: 1, NET: 1})
	a.TryAdmit("srv1", "high-late", 9, base.Add(time.Second), model.ResourceTriple{CPU: 1, RAM: 1, NET: 1})
	a.TryAdmit("srv1", "high-early", 9, base, model.ResourceTriple{CPU: 1, RAM: 1, NET: 1})

	entries := a.ListByPriority("srv1")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PID != "high-early" || entries[1].PID != "high-late" || entries[2].PID != "low-early" {
		t.Fatalf("unexpected ordering: %+v", entries)
	}
}
