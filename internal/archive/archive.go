// Package archive writes terminal execution records to object storage.
// Each archive is a self-contained JSON document covering the execution,
// its steps and its event history, with a content digest for integrity
// verification downstream.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/tessera-labs/tessera-go/internal/domain"
)

// Record is the archived document layout.
type Record struct {
	Execution  executionRecord `json:"execution"`
	Steps      []stepRecord    `json:"steps"`
	Events     []eventRecord   `json:"events"`
	ArchivedAt time.Time       `json:"archived_at"`
}

type executionRecord struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	TenantID   string          `json:"tenant_id"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Params     domain.Metadata `json:"params,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

type stepRecord struct {
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Parent    string          `json:"parent,omitempty"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Outputs   domain.Metadata `json:"outputs,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

type eventRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Seq        int64           `json:"seq"`
	Payload    domain.Metadata `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Store is the read surface the archiver needs.
type Store interface {
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListSteps(ctx context.Context, executionID string) ([]domain.StepState, error)
	ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error)
}

// Uploader persists one archive document under a key.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, digest string) error
}

type Archiver struct {
	logger   *slog.Logger
	store    Store
	uploader Uploader
	now      func() time.Time
}

func NewArchiver(logger *slog.Logger, store Store, uploader Uploader) *Archiver {
	return &Archiver{
		logger:   logger,
		store:    store,
		uploader: uploader,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleExecutionEvent archives the execution behind a terminal execution
// event. Safe under at-least-once delivery: re-archiving overwrites the
// same key with the same content.
func (a *Archiver) HandleExecutionEvent(ctx context.Context, e domain.Event) error {
	switch e.Kind {
	case domain.EventExecutionCompleted, domain.EventExecutionFailed, domain.EventExecutionCancelled:
	default:
		return nil
	}
	execID := e.CorrelationID
	if execID == "" {
		return nil
	}
	return a.ArchiveExecution(ctx, execID)
}

// ArchiveExecution snapshots a terminal execution into object storage.
func (a *Archiver) ArchiveExecution(ctx context.Context, executionID string) error {
	exec, err := a.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !exec.Status.Terminal() {
		return fmt.Errorf("execution %s is not terminal", executionID)
	}
	steps, err := a.store.ListSteps(ctx, executionID)
	if err != nil {
		return err
	}
	events, err := a.store.ListEvents(ctx, executionID)
	if err != nil {
		return err
	}

	record := Record{
		Execution: executionRecord{
			ID:         exec.ID,
			PipelineID: exec.PipelineID,
			TenantID:   exec.TenantID,
			Status:     string(exec.Status),
			Reason:     exec.Reason,
			Params:     exec.Params,
			StartedAt:  exec.StartedAt,
			EndedAt:    exec.EndedAt,
		},
		ArchivedAt: a.now(),
	}
	for _, st := range steps {
		record.Steps = append(record.Steps, stepRecord{
			Name:      st.Name,
			Kind:      string(st.Def.Kind),
			Parent:    st.Parent,
			Status:    string(st.Status),
			Reason:    st.Reason,
			JobID:     st.JobID,
			Outputs:   st.Outputs,
			StartedAt: st.StartedAt,
			EndedAt:   st.EndedAt,
		})
	}
	for _, ev := range events {
		record.Events = append(record.Events, eventRecord{
			ID:         ev.ID,
			Kind:       string(ev.Kind),
			Seq:        ev.Seq,
			Payload:    ev.Payload,
			OccurredAt: ev.OccurredAt,
		})
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	key := Key(exec.TenantID, exec.ID)

	if err := a.uploader.Upload(ctx, key, data, digest); err != nil {
		return fmt.Errorf("upload archive %s: %w", key, err)
	}
	a.logger.Info("execution archived", "execution_id", exec.ID, "key", key, "bytes", len(data), "sha256", digest)
	return nil
}

// Key is the object key an execution archives under.
func Key(tenantID, executionID string) string {
	return fmt.Sprintf("%s/%s.json", tenantID, executionID)
}

// MinIOUploader stores archives in a MinIO bucket, carrying the content
// digest as object metadata.
type MinIOUploader struct {
	client *minio.Client
	bucket string
}

func NewMinIOUploader(client *minio.Client, bucket string) *MinIOUploader {
	return &MinIOUploader{client: client, bucket: bucket}
}

func (u *MinIOUploader) Upload(ctx context.Context, key string, data []byte, digest string) error {
	_, err := u.client.PutObject(ctx, u.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{"Content-Sha256": digest},
	})
	return err
}
