package jobs

import "testing"

func TestCounts(t *testing.T) {
	record := &BatchRecord{
		BatchID: "batch-1",
		Jobs: []JobRecord{
			{JobID: "job-1", Status: JobCompleted, IssuesFixed: 3},
			{JobID: "job-2", Status: JobFailed, Error: "broken"},
			{JobID: "job-3", Status: JobProcessing},
			{JobID: "job-4", Status: JobCompleted, IssuesFixed: 2},
		},
	}

	completed, failed, fixed := record.Counts()
	if completed != 2 || failed != 1 || fixed != 5 {
		t.Fatalf("Counts() = (%d, %d, %d), want (2, 1, 5)", completed, failed, fixed)
	}
}

func TestAllTerminal(t *testing.T) {
	record := &BatchRecord{
		Jobs: []JobRecord{
			{JobID: "job-1", Status: JobCompleted},
			{JobID: "job-2", Status: JobProcessing},
		},
	}
	if record.allTerminal() {
		t.Fatal("allTerminal() = true with a processing job")
	}

	record.Jobs[1].Status = JobFailed
	if !record.allTerminal() {
		t.Fatal("allTerminal() = false with all jobs terminal")
	}

	empty := &BatchRecord{}
	if empty.allTerminal() {
		t.Fatal("allTerminal() = true for empty batch")
	}
}

func TestBatchStatusTerminal(t *testing.T) {
	for _, status := range []BatchStatus{BatchCompleted, BatchFailed, BatchCancelled} {
		if !status.Terminal() {
			t.Fatalf("%s should be terminal", status)
		}
	}
	for _, status := range []BatchStatus{BatchPending, BatchProcessing} {
		if status.Terminal() {
			t.Fatalf("%s should not be terminal", status)
		}
	}
}
