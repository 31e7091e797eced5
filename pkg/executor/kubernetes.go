package executor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/deckhand/deckhand/pkg/logger"
	"github.com/deckhand/deckhand/pkg/output"
	"github.com/deckhand/deckhand/pkg/types"
)

const (
	defaultPollInterval = 2 * time.Second
	labelJobID          = "deckhand.io/job-id"
	labelStage          = "deckhand.io/stage"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// KubernetesConfig holds the cluster executor settings
type KubernetesConfig struct {
	Namespace    string
	Image        string
	PollInterval time.Duration
}

// KubernetesExecutor runs a job's commands as a batch/v1 Job on a cluster
// and polls it until it completes
type KubernetesExecutor struct {
	client    kubernetes.Interface
	config    KubernetesConfig
	out       *output.Buffer
	job       types.Job
	reference string
	logger    logger.Logger

	mu        sync.Mutex
	name      string
	cancelled bool
}

var _ ClusterExecutor = (*KubernetesExecutor)(nil)

// NewKubernetesExecutor creates a cluster executor for one job attempt
func NewKubernetesExecutor(
	client kubernetes.Interface,
	config KubernetesConfig,
	out *output.Buffer,
	job types.Job,
	reference string,
	log logger.Logger,
) *KubernetesExecutor {
	if config.Namespace == "" {
		config.Namespace = "default"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &KubernetesExecutor{
		client:    client,
		config:    config,
		out:       out,
		job:       job,
		reference: reference,
		logger:    log,
	}
}

// JobName returns the name of the cluster Job created for this attempt
func (e *KubernetesExecutor) JobName() string {
	return "deckhand-" + strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(e.job.GetID()), "-"), "-")
}

// Execute creates the cluster Job and waits for it to succeed or fail
func (e *KubernetesExecutor) Execute(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return false, nil
	}
	e.name = e.JobName()
	e.mu.Unlock()

	jobs := e.client.BatchV1().Jobs(e.config.Namespace)
	if _, err := jobs.Create(ctx, e.manifest(), metav1.CreateOptions{}); err != nil {
		return false, fmt.Errorf("failed to create cluster job %s: %w", e.name, err)
	}
	e.out.Puts(fmt.Sprintf("Created job %s/%s", e.config.Namespace, e.name))

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		if e.isCancelled() {
			return false, nil
		}

		current, err := jobs.Get(ctx, e.name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			e.out.Puts(fmt.Sprintf("Job %s was deleted", e.name))
			return false, nil
		case err != nil:
			return false, fmt.Errorf("failed to read cluster job %s: %w", e.name, err)
		case current.Status.Succeeded > 0:
			e.out.Puts(fmt.Sprintf("Job %s succeeded", e.name))
			return true, nil
		case current.Status.Failed > 0:
			e.out.Puts(fmt.Sprintf("Job %s failed", e.name))
			return false, nil
		}

		select {
		case <-ctx.Done():
			e.deleteJob()
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel deletes the cluster Job. The signal only decides how hard: SIGKILL
// skips the grace period.
func (e *KubernetesExecutor) Cancel(sig syscall.Signal) {
	e.mu.Lock()
	e.cancelled = true
	started := e.name != ""
	e.mu.Unlock()

	if !started {
		return
	}
	if sig == syscall.SIGKILL {
		e.deleteJobWithGrace(0)
		return
	}
	e.deleteJob()
}

func (e *KubernetesExecutor) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *KubernetesExecutor) deleteJob() {
	e.deleteJobWithGrace(-1)
}

func (e *KubernetesExecutor) deleteJobWithGrace(grace int64) {
	propagation := metav1.DeletePropagationBackground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}
	if grace >= 0 {
		opts.GracePeriodSeconds = &grace
	}

	err := e.client.BatchV1().Jobs(e.config.Namespace).Delete(context.Background(), e.name, opts)
	if err != nil && !apierrors.IsNotFound(err) {
		e.logger.Warn("Failed to delete cluster job",
			logger.WithField("name", e.name),
			logger.WithField("error", err))
	}
}

func (e *KubernetesExecutor) manifest() *batchv1.Job {
	backoffLimit := int32(0)

	stage := "none"
	if d := e.job.GetDeploy(); d != nil && d.GetStage() != nil {
		if name := strings.Trim(invalidNameChars.ReplaceAllString(strings.ToLower(d.GetStage().GetName()), "-"), "-"); name != "" {
			stage = name
		}
	}

	env := []corev1.EnvVar{
		{Name: "REFERENCE", Value: e.reference},
		{Name: "REVISION", Value: e.job.GetCommit()},
		{Name: "TAG", Value: tagOrCommit(e.job)},
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      e.name,
			Namespace: e.config.Namespace,
			Labels: map[string]string{
				labelJobID: e.JobName(),
				labelStage: stage,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "deploy",
						Image:   e.config.Image,
						Command: []string{"sh", "-c", "set -e\n" + strings.Join(e.job.GetCommands(), "\n")},
						Env:     env,
					}},
				},
			},
		},
	}
}

func tagOrCommit(job types.Job) string {
	if tag := job.GetTag(); tag != "" {
		return tag
	}
	return job.GetCommit()
}
