package store

import (
	"context"
	"testing"
	"time"

	"github.com/sonarsweep/sonarsweep/models"
)

func TestAcquireSlotRespectsCeiling(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ds := seedDataSource(t, st, "admit-ds")
	job1 := seedJob(t, st, ds.ID)
	job2 := seedJob(t, st, ds.ID)
	job3 := seedJob(t, st, ds.ID)

	for _, job := range []*models.Job{job1, job2} {
		ok, err := st.AcquireSlot(ctx, "sonar-a", job.ID, ds.ID, 2)
		if err != nil {
			t.Fatalf("AcquireSlot(job %d): %v", job.ID, err)
		}
		if !ok {
			t.Fatalf("AcquireSlot(job %d) refused below the ceiling", job.ID)
		}
	}

	ok, err := st.AcquireSlot(ctx, "sonar-a", job3.ID, ds.ID, 2)
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if ok {
		t.Fatal("AcquireSlot admitted a third job past max_concurrent=2")
	}

	// Re-acquiring by a job that already holds a slot is idempotent, not a
	// second admission.
	ok, err = st.AcquireSlot(ctx, "sonar-a", job1.ID, ds.ID, 2)
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if !ok {
		t.Fatal("re-acquire by slot holder refused")
	}

	c, err := st.SlotCapacity(ctx, "sonar-a", 2)
	if err != nil {
		t.Fatalf("SlotCapacity: %v", err)
	}
	if c.Active != 2 || c.Available != 0 {
		t.Fatalf("capacity = %+v", c)
	}

	if err := st.ReleaseSlot(ctx, job1.ID); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	ok, err = st.AcquireSlot(ctx, "sonar-a", job3.ID, ds.ID, 2)
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if !ok {
		t.Fatal("AcquireSlot refused after a slot was released")
	}
}

func TestAcquireSlotOnSecondInstance(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ds := seedDataSource(t, st, "fleet-ds")
	job1 := seedJob(t, st, ds.ID)
	job2 := seedJob(t, st, ds.ID)

	ok, err := st.AcquireSlot(ctx, "sonar-a", job1.ID, ds.ID, 1)
	if err != nil || !ok {
		t.Fatalf("AcquireSlot on sonar-a: ok=%v err=%v", ok, err)
	}
	ok, err = st.AcquireSlot(ctx, "sonar-a", job2.ID, ds.ID, 1)
	if err != nil {
		t.Fatalf("AcquireSlot: %v", err)
	}
	if ok {
		t.Fatal("sonar-a admitted past its ceiling")
	}
	ok, err = st.AcquireSlot(ctx, "sonar-b", job2.ID, ds.ID, 1)
	if err != nil || !ok {
		t.Fatalf("AcquireSlot on sonar-b: ok=%v err=%v", ok, err)
	}

	ca, err := st.SlotCapacity(ctx, "sonar-a", 1)
	if err != nil {
		t.Fatalf("SlotCapacity: %v", err)
	}
	cb, err := st.SlotCapacity(ctx, "sonar-b", 1)
	if err != nil {
		t.Fatalf("SlotCapacity: %v", err)
	}
	if ca.Active != 1 || cb.Active != 1 {
		t.Fatalf("capacities = %+v / %+v", ca, cb)
	}
}

func TestReleaseStaleSlotsFreesFinishedJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ds := seedDataSource(t, st, "stale-slots")
	done := seedJob(t, st, ds.ID)
	live := seedJob(t, st, ds.ID)

	for _, job := range []*models.Job{done, live} {
		ok, err := st.AcquireSlot(ctx, "sonar-a", job.ID, ds.ID, 5)
		if err != nil || !ok {
			t.Fatalf("AcquireSlot(job %d): ok=%v err=%v", job.ID, ok, err)
		}
	}
	if err := st.StartJob(ctx, live.ID, "sonar-a", 1); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if err := st.SetJobStatus(ctx, done.ID, models.JobStatusSucceeded, ""); err != nil {
		t.Fatalf("SetJobStatus: %v", err)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)
	if err := st.ReleaseStaleSlots(ctx, cutoff); err != nil {
		t.Fatalf("ReleaseStaleSlots: %v", err)
	}

	c, err := st.SlotCapacity(ctx, "sonar-a", 5)
	if err != nil {
		t.Fatalf("SlotCapacity: %v", err)
	}
	if c.Active != 1 || len(c.JobIDs) != 1 || c.JobIDs[0] != live.ID {
		t.Fatalf("capacity after sweep = %+v, want only job %d", c, live.ID)
	}
}
