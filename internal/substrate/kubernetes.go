package substrate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tessera-labs/tessera-go/internal/domain"
	"github.com/tessera-labs/tessera-go/internal/platform/k8s"
)

const (
	labelManaged = "tessera.io/managed"
	labelJobID   = "tessera.io/job-id"
)

// KubernetesAdapter runs jobs as batch/v1 Jobs. The reference it hands back
// is "namespace/name".
type KubernetesAdapter struct {
	client    *k8s.Client
	namespace string
}

func NewKubernetesAdapter(client *k8s.Client, namespace string) *KubernetesAdapter {
	if strings.TrimSpace(namespace) == "" {
		namespace = client.Namespace()
	}
	return &KubernetesAdapter{client: client, namespace: namespace}
}

func jobName(job domain.Job) string {
	return "tsr-" + strings.ToLower(job.ID)
}

func splitRef(ref string) (namespace, name string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed substrate ref %q", ref)
	}
	return parts[0], parts[1], nil
}

func (a *KubernetesAdapter) Submit(ctx context.Context, job domain.Job) (string, error) {
	name := jobName(job)
	ref := a.namespace + "/" + name

	env := make([]k8s.EnvVar, 0, len(job.Env))
	keys := make([]string, 0, len(job.Env))
	for k := range job.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k8s.EnvVar{Name: k, Value: job.Env[k]})
	}

	requests := make(map[string]string, len(job.Resources))
	for res, qty := range job.Resources {
		requests[res] = strconv.FormatInt(qty, 10)
	}

	labels := map[string]string{
		labelManaged: "true",
		labelJobID:   job.ID,
	}
	for k, v := range job.Labels {
		labels[k] = v
	}

	backoffLimit := int32(0)
	spec := k8s.JobSpec{
		BackoffLimit: &backoffLimit,
		Template: k8s.PodTemplateSpec{
			Metadata: k8s.ObjectMeta{Labels: labels},
			Spec: k8s.PodSpec{
				RestartPolicy: "Never",
				Containers: []k8s.Container{{
					Name:      "workload",
					Image:     job.Image,
					Command:   job.Command,
					Env:       env,
					Resources: k8s.ResourceRequirements{Requests: requests},
				}},
			},
		},
	}
	if job.MaxDurationSec > 0 {
		deadline := job.MaxDurationSec
		spec.ActiveDeadlineSeconds = &deadline
	}

	err := a.client.CreateJob(ctx, a.namespace, k8s.Job{
		Metadata: k8s.ObjectMeta{Name: name, Labels: labels},
		Spec:     spec,
	})
	if err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return "", fmt.Errorf("submit job %s: %w", job.ID, err)
	}
	return ref, nil
}

func (a *KubernetesAdapter) Inspect(ctx context.Context, job domain.Job) (Report, error) {
	report := Report{JobID: job.ID, Ref: job.SubstrateRef, ObservedAt: time.Now().UTC()}
	namespace, name, err := splitRef(job.SubstrateRef)
	if err != nil {
		return Report{}, err
	}

	k8sJob, err := a.client.GetJob(ctx, namespace, name)
	if errors.Is(err, k8s.ErrNotFound) {
		report.Phase = PhaseMissing
		report.Reason = "substrate resource missing"
		return report, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("inspect job %s: %w", job.ID, err)
	}

	report.Phase, report.Reason, report.Transient = classify(k8sJob.Status)
	return report, nil
}

// classify maps batch/v1 Job status to a phase. A DeadlineExceeded failure is
// permanent (the workload itself timed out); other failures are retryable.
func classify(status k8s.JobStatus) (Phase, string, bool) {
	for _, cond := range status.Conditions {
		if cond.Status != "True" {
			continue
		}
		switch cond.Type {
		case "Complete":
			return PhaseSucceeded, "", false
		case "Failed":
			transient := cond.Reason != "DeadlineExceeded"
			reason := cond.Reason
			if cond.Message != "" {
				reason = cond.Reason + ": " + cond.Message
			}
			return PhaseFailed, reason, transient
		}
	}
	if status.Succeeded > 0 {
		return PhaseSucceeded, "", false
	}
	if status.Active > 0 || status.StartTime != nil {
		return PhaseRunning, "", false
	}
	return PhasePending, "", false
}

func (a *KubernetesAdapter) Cancel(ctx context.Context, job domain.Job) error {
	namespace, name, err := splitRef(job.SubstrateRef)
	if err != nil {
		return err
	}
	if err := a.client.DeleteJob(ctx, namespace, name); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return fmt.Errorf("cancel job %s: %w", job.ID, err)
	}
	return nil
}

func (a *KubernetesAdapter) ListOwned(ctx context.Context) ([]OwnedResource, error) {
	list, err := a.client.ListJobs(ctx, a.namespace, labelManaged+"=true")
	if err != nil {
		return nil, fmt.Errorf("list owned jobs: %w", err)
	}
	out := make([]OwnedResource, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, OwnedResource{
			Ref:   item.Metadata.Namespace + "/" + item.Metadata.Name,
			JobID: item.Metadata.Labels[labelJobID],
		})
	}
	return out, nil
}

// DeleteRef removes a substrate resource by reference, used by the orphan
// scan where no job row exists to hang a Cancel on.
func (a *KubernetesAdapter) DeleteRef(ctx context.Context, ref string) error {
	namespace, name, err := splitRef(ref)
	if err != nil {
		return err
	}
	if err := a.client.DeleteJob(ctx, namespace, name); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return err
	}
	return nil
}
