package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/repo"
	"github.com/tessera-labs/tessera-go/internal/repo/memory"
)

type captureUploader struct {
	mu      sync.Mutex
	key     string
	data    []byte
	digest  string
	uploads int
}

func (u *captureUploader) Upload(ctx context.Context, key string, data []byte, digest string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.key = key
	u.data = data
	u.digest = digest
	u.uploads++
	return nil
}

func TestArchiveExecution(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	uploader := &captureUploader{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	exec := domain.Execution{
		ID:         "exec-1",
		PipelineID: "pipe-1",
		TenantID:   "acme",
		Status:     domain.ExecutionRunning,
	}
	steps := []domain.StepState{
		{
			Name:   "train",
			Def:    domain.Step{Name: "train", Kind: domain.StepKindJob},
			Status: domain.StepPending,
		},
	}
	if err := store.CreateExecution(ctx, exec, steps); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if _, err := store.UpdateStep(ctx, "exec-1", "train", domain.StepPending, repo.StepChange{To: domain.StepCompleted}); err != nil {
		t.Fatalf("complete step: %v", err)
	}
	if _, err := store.TransitionExecution(ctx, "exec-1", domain.ExecutionRunning, domain.ExecutionCompleted, ""); err != nil {
		t.Fatalf("complete execution: %v", err)
	}
	if _, err := store.AppendEvent(ctx, domain.Event{
		Kind:          domain.EventExecutionCompleted,
		CorrelationID: "exec-1",
		Payload:       domain.Metadata{"execution_id": "exec-1"},
	}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	a := NewArchiver(logger, store, uploader)
	err := a.HandleExecutionEvent(ctx, domain.Event{
		Kind:          domain.EventExecutionCompleted,
		CorrelationID: "exec-1",
	})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}

	if uploader.key != "acme/exec-1.json" {
		t.Fatalf("key = %q", uploader.key)
	}
	sum := sha256.Sum256(uploader.data)
	if got := hex.EncodeToString(sum[:]); got != uploader.digest {
		t.Fatalf("digest mismatch: %s != %s", got, uploader.digest)
	}

	var record Record
	if err := json.Unmarshal(uploader.data, &record); err != nil {
		t.Fatalf("decode archive: %v", err)
	}
	if record.Execution.ID != "exec-1" || record.Execution.Status != "completed" {
		t.Fatalf("execution record = %+v", record.Execution)
	}
	if len(record.Steps) != 1 || record.Steps[0].Status != "completed" {
		t.Fatalf("step records = %+v", record.Steps)
	}
	if len(record.Events) != 1 || record.Events[0].Kind != "execution_completed" {
		t.Fatalf("event records = %+v", record.Events)
	}
}

func TestArchiveExecution_RejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	exec := domain.Execution{ID: "exec-2", PipelineID: "pipe-1", TenantID: "acme", Status: domain.ExecutionRunning}
	if err := store.CreateExecution(ctx, exec, nil); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	a := NewArchiver(logger, store, &captureUploader{})
	if err := a.ArchiveExecution(ctx, "exec-2"); err == nil {
		t.Fatal("expected error for non-terminal execution")
	}
}

func TestHandleExecutionEvent_IgnoresOtherKinds(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uploader := &captureUploader{}
	a := NewArchiver(logger, memory.NewStore(), uploader)

	err := a.HandleExecutionEvent(context.Background(), domain.Event{
		Kind:          domain.EventJobCompleted,
		CorrelationID: "job-1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if uploader.uploads != 0 {
		t.Fatalf("uploads = %d, want 0", uploader.uploads)
	}
}
