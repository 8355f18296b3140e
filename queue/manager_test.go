package queue

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestNewManager_Unrestricted(t *testing.T) {
	m := NewManager()
	if !m.Acquire("any-queue", "") {
		t.Fatal("expected Acquire to succeed for an unconfigured queue")
	}
	m.Release("any-queue", "")
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Limit{Queue: "__wkf_step_email", MaxConcurrency: 2})

	if !m.Acquire("__wkf_step_email", "") || !m.Acquire("__wkf_step_email", "") {
		t.Fatal("first two Acquires should succeed")
	}
	if m.Acquire("__wkf_step_email", "") {
		t.Fatal("third Acquire should be blocked")
	}
	if got := m.ActiveCount("__wkf_step_email"); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}

	m.Release("__wkf_step_email", "")
	if !m.Acquire("__wkf_step_email", "") {
		t.Fatal("Acquire after Release should succeed")
	}
}

func TestManager_DeploymentScopedLimit(t *testing.T) {
	m := NewManager(Limit{Queue: "__wkf_step_charge", Deployment: "dpl_old", MaxConcurrency: 1})

	if !m.Acquire("__wkf_step_charge", "dpl_old") {
		t.Fatal("first Acquire for dpl_old should succeed")
	}
	if m.Acquire("__wkf_step_charge", "dpl_old") {
		t.Fatal("second Acquire for dpl_old should be blocked")
	}
	if !m.Acquire("__wkf_step_charge", "dpl_new") {
		t.Fatal("other deployments are unrestricted")
	}

	m.Release("__wkf_step_charge", "dpl_old")
	if !m.Acquire("__wkf_step_charge", "dpl_old") {
		t.Fatal("Acquire after Release should succeed")
	}
}

func TestManager_QueueWideAndScopedCombined(t *testing.T) {
	m := NewManager(
		Limit{Queue: "q", MaxConcurrency: 1},
		Limit{Queue: "q", Deployment: "d", MaxConcurrency: 5},
	)
	if !m.Acquire("q", "d") {
		t.Fatal("first Acquire should succeed")
	}
	if m.Acquire("q", "d") {
		t.Fatal("queue-wide limit must also apply to scoped deliveries")
	}
}

func TestManager_RateLimit(t *testing.T) {
	m := NewManager(Limit{Queue: "bulk", RateLimit: 1, RateBurst: 2})

	allowed := 0
	for range 10 {
		if m.Acquire("bulk", "") {
			allowed++
			m.Release("bulk", "")
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed = %d, want burst of 2", allowed)
	}
}

func TestManager_SetLimitKeepsActiveCount(t *testing.T) {
	m := NewManager(Limit{Queue: "q", MaxConcurrency: 5})
	m.Acquire("q", "")
	m.Acquire("q", "")

	m.SetLimit(Limit{Queue: "q", MaxConcurrency: 2})
	if got := m.ActiveCount("q"); got != 2 {
		t.Fatalf("ActiveCount = %d, want 2", got)
	}
	if m.Acquire("q", "") {
		t.Fatal("Acquire should be blocked by the lowered limit")
	}
}

func TestManager_ConcurrentAcquireRelease(t *testing.T) {
	m := NewManager(Limit{Queue: "q", MaxConcurrency: 3})

	var peak, current atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !m.Acquire("q", "") {
				return
			}
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			current.Add(-1)
			m.Release("q", "")
		}()
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeded limit 3", peak.Load())
	}
	if m.ActiveCount("q") != 0 {
		t.Fatalf("ActiveCount = %d after all releases, want 0", m.ActiveCount("q"))
	}
}
