package task

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveWithinLimit(t *testing.T) {
	c := NewContext("t1", 100)
	if err := c.ReserveBytes(60); err != nil {
		t.Fatal(err)
	}
	if err := c.ReserveBytes(40); err != nil {
		t.Fatal(err)
	}
	if got := c.ReservedBytes(); got != 100 {
		t.Fatalf("reserved = %d, want 100", got)
	}
}

func TestReserveOverLimitFails(t *testing.T) {
	c := NewContext("t1", 100)
	if err := c.ReserveBytes(60); err != nil {
		t.Fatal(err)
	}

	err := c.ReserveBytes(41)
	if err == nil {
		t.Fatal("expected reservation over the ceiling to fail")
	}
	var limitErr *MemoryLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected MemoryLimitError, got %T", err)
	}
	if limitErr.Limit != 100 {
		t.Errorf("Limit = %d, want 100", limitErr.Limit)
	}

	// A failed reservation leaves the count untouched.
	if got := c.ReservedBytes(); got != 60 {
		t.Fatalf("reserved = %d after failed reserve, want 60", got)
	}
	// Smaller reservations still fit.
	if err := c.ReserveBytes(40); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryLimitErrorMessage(t *testing.T) {
	err := &MemoryLimitError{Limit: 10}
	want := "Task exceeded max memory size of 10 B"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = &MemoryLimitError{Limit: 2 * 1024 * 1024 * 1024}
	want = "Task exceeded max memory size of 2.0 GiB"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestUnlimitedTask(t *testing.T) {
	c := NewContext("t1", 0)
	if err := c.ReserveBytes(1 << 40); err != nil {
		t.Fatalf("unlimited task rejected reservation: %v", err)
	}
	c.FreeBytes(1 << 40)
	if got := c.ReservedBytes(); got != 0 {
		t.Fatalf("reserved = %d, want 0", got)
	}
}

func TestFreeBytes(t *testing.T) {
	c := NewContext("t1", 100)
	if err := c.ReserveBytes(80); err != nil {
		t.Fatal(err)
	}
	c.FreeBytes(30)
	if got := c.ReservedBytes(); got != 50 {
		t.Fatalf("reserved = %d, want 50", got)
	}
	if err := c.ReserveBytes(50); err != nil {
		t.Fatal(err)
	}
}

func TestOperatorReservationPropagates(t *testing.T) {
	c := NewContext("t1", 1000)
	p := c.NewPipelineContext()
	op := p.NewOperatorContext("op1")

	if err := op.ReserveBytes(300); err != nil {
		t.Fatal(err)
	}
	if c.ReservedBytes() != 300 || p.ReservedBytes() != 300 || op.ReservedBytes() != 300 {
		t.Fatalf("reservation did not propagate: task=%d pipeline=%d op=%d",
			c.ReservedBytes(), p.ReservedBytes(), op.ReservedBytes())
	}

	op.FreeBytes(100)
	if c.ReservedBytes() != 200 {
		t.Fatalf("task reserved = %d after free, want 200", c.ReservedBytes())
	}
}

func TestSiblingOperatorsShareBudget(t *testing.T) {
	c := NewContext("t1", 100)
	p := c.NewPipelineContext()
	a := p.NewOperatorContext("a")
	b := p.NewOperatorContext("b")

	if err := a.ReserveBytes(70); err != nil {
		t.Fatal(err)
	}
	if err := b.ReserveBytes(40); err == nil {
		t.Fatal("expected sibling reservation to hit the shared ceiling")
	}
	if err := b.ReserveBytes(30); err != nil {
		t.Fatal(err)
	}
}

func TestOperatorCloseReleasesRemainder(t *testing.T) {
	c := NewContext("t1", 1000)
	p := c.NewPipelineContext()
	op := p.NewOperatorContext("op1")

	if err := op.ReserveBytes(400); err != nil {
		t.Fatal(err)
	}
	op.Close()
	if got := c.ReservedBytes(); got != 0 {
		t.Fatalf("task reserved = %d after operator Close, want 0", got)
	}
	// Close is idempotent.
	op.Close()
	if got := c.ReservedBytes(); got != 0 {
		t.Fatalf("task reserved = %d after second Close, want 0", got)
	}
}

func TestPipelineCloseReleasesRemainder(t *testing.T) {
	c := NewContext("t1", 1000)
	p := c.NewPipelineContext()
	a := p.NewOperatorContext("a")
	b := p.NewOperatorContext("b")

	if err := a.ReserveBytes(100); err != nil {
		t.Fatal(err)
	}
	if err := b.ReserveBytes(200); err != nil {
		t.Fatal(err)
	}
	a.Close()
	p.Close()
	if got := c.ReservedBytes(); got != 0 {
		t.Fatalf("task reserved = %d after pipeline Close, want 0", got)
	}
}

func TestConcurrentReservations(t *testing.T) {
	const (
		workers = 8
		rounds  = 1000
		chunk   = 16
	)
	c := NewContext("t1", workers*rounds*chunk)
	p := c.NewPipelineContext()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		op := p.NewOperatorContext("op")
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if err := op.ReserveBytes(chunk); err != nil {
					t.Error(err)
					return
				}
			}
			for i := 0; i < rounds; i++ {
				op.FreeBytes(chunk)
			}
		}()
	}
	wg.Wait()

	if got := c.ReservedBytes(); got != 0 {
		t.Fatalf("reserved = %d after balanced reserve/free, want 0", got)
	}
}

func TestConcurrentCeilingNeverExceeded(t *testing.T) {
	const limit = 1024
	c := NewContext("t1", limit)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if err := c.ReserveBytes(64); err != nil {
					continue
				}
				if got := c.ReservedBytes(); got > limit {
					t.Errorf("reserved %d exceeds ceiling %d", got, limit)
				}
				c.FreeBytes(64)
			}
		}()
	}
	wg.Wait()
}
