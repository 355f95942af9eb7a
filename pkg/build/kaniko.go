package build

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	typedbatchv1 "k8s.io/client-go/kubernetes/typed/batch/v1"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
	"github.com/fluxcd/cirunner/pkg/git"
)

const (
	commitAnnotation = "commit"
	jobNameLabel     = "job-name"
	managedByLabel   = "app.kubernetes.io/managed-by"
	managedBy        = "cirunner"

	containerName      = "kaniko"
	registryCredsName  = "registry-creds"
	registryCredsMount = "/kaniko/.docker"

	defaultDeleteTimeout = 2 * time.Minute
	deletePollInterval   = time.Second
)

var invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

type KanikoOptions struct {
	// Namespace is where build jobs run.
	Namespace string
	Repo      git.Repository
	// Image is the repository the built image is pushed to.
	Image  string
	Branch string

	KanikoImage    string
	ServiceAccount string
	Dockerfile     string
	// GitToken, if given, lets kaniko fetch a private build context.
	GitToken string
	// RegistrySecret, if given, names a secret of type
	// kubernetes.io/dockerconfigjson with push credentials.
	RegistrySecret string

	// DeleteTimeout bounds how long DeleteJob waits for the job to
	// disappear.
	DeleteTimeout time.Duration
}

// Kaniko is an Executor that runs kaniko in a Kubernetes Job.
type Kaniko struct {
	client typedbatchv1.JobsGetter
	opts   KanikoOptions
	logger log.Logger
}

func NewKaniko(client typedbatchv1.JobsGetter, opts KanikoOptions, logger log.Logger) (*Kaniko, error) {
	if _, err := name.NewRepository(opts.Image); err != nil {
		return nil, runnererr.Configf("image %q is not a valid repository reference: %s", opts.Image, err)
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = defaultDeleteTimeout
	}
	return &Kaniko{client: client, opts: opts, logger: logger}, nil
}

// Destinations are the image references a build of commit is pushed
// to: one tagged with the commit itself, and a moving tag for the
// branch.
func (k *Kaniko) Destinations(commit string) ([]string, error) {
	var dests []string
	for _, tag := range []string{commit, branchTag(k.opts.Branch)} {
		ref := k.opts.Image + ":" + tag
		if _, err := name.NewTag(ref); err != nil {
			return nil, errors.Wrapf(err, "invalid destination %q", ref)
		}
		dests = append(dests, ref)
	}
	return dests, nil
}

func branchTag(branch string) string {
	const suffix = "-latest"
	tag := strings.TrimLeft(invalidTagChars.ReplaceAllString(branch, "-"), ".-")
	if limit := 128 - len(suffix); len(tag) > limit {
		tag = tag[:limit]
	}
	if tag == "" {
		tag = "branch"
	}
	return tag + suffix
}

func (k *Kaniko) CreateJob(ctx context.Context, req Request) (JobHandle, error) {
	dests, err := k.Destinations(req.Commit)
	if err != nil {
		return JobHandle{}, runnererr.Transient(runnererr.KindBuild, err)
	}
	job := k.job(req, dests)

	_, err = k.client.Jobs(k.opts.Namespace).Create(ctx, job, metav1.CreateOptions{})
	handle := JobHandle{Namespace: k.opts.Namespace, Name: req.Name}
	switch {
	case err == nil:
		k.logger.Log("info", "build job created", "job", handle, "commit", req.Commit)
		return handle, nil
	case apierrors.IsAlreadyExists(err):
		return handle, runnererr.Transient(runnererr.KindBuild, errors.Wrapf(err, "job %s left over from an earlier attempt", handle))
	case ctx.Err() != nil:
		return JobHandle{}, runnererr.Fatal(runnererr.KindBuild, ctx.Err())
	default:
		return JobHandle{}, runnererr.Transient(runnererr.KindBuild, errors.Wrapf(err, "creating job %s", handle))
	}
}

func (k *Kaniko) job(req Request, dests []string) *batchv1.Job {
	annotations := map[string]string{commitAnnotation: req.Commit}
	labels := map[string]string{jobNameLabel: req.Name, managedByLabel: managedBy}

	args := []string{
		"--dockerfile=" + k.opts.Dockerfile,
		"--context=" + k.opts.Repo.ContextURL(req.Commit),
	}
	for _, d := range dests {
		args = append(args, "--destination="+d)
	}
	args = append(args, "--snapshotMode=time")

	var env []corev1.EnvVar
	if k.opts.GitToken != "" {
		env = append(env,
			corev1.EnvVar{Name: "GIT_HTTPS_USERNAME", Value: "token"},
			corev1.EnvVar{Name: "GIT_HTTPS_PASSWORD", Value: k.opts.GitToken},
		)
	}

	var mounts []corev1.VolumeMount
	var volumes []corev1.Volume
	if k.opts.RegistrySecret != "" {
		mounts = append(mounts, corev1.VolumeMount{Name: registryCredsName, MountPath: registryCredsMount})
		volumes = append(volumes, corev1.Volume{
			Name: registryCredsName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{
					SecretName: k.opts.RegistrySecret,
					Items:      []corev1.KeyToPath{{Key: corev1.DockerConfigJsonKey, Path: "config.json"}},
				},
			},
		})
	}

	backoffLimit := int32(0)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:        req.Name,
			Namespace:   k.opts.Namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels:      labels,
					Annotations: annotations,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:         containerName,
						Image:        k.opts.KanikoImage,
						Args:         args,
						Env:          env,
						VolumeMounts: mounts,
					}},
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.opts.ServiceAccount,
					Volumes:            volumes,
				},
			},
		},
	}
}

func (k *Kaniko) AwaitJob(ctx context.Context, h JobHandle, timeout, interval time.Duration) (Outcome, error) {
	outcome := Pending
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		job, err := k.client.Jobs(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			k.logger.Log("warning", "build job disappeared while waiting for it", "job", h)
			outcome = Failed
			return true, nil
		}
		if err != nil {
			// Could be a blip; keep trying until we run out of time.
			k.logger.Log("warning", "reading build job status", "job", h, "err", err)
			return false, nil
		}
		outcome = jobOutcome(job)
		return outcome != Pending, nil
	})
	switch {
	case err == nil:
		k.logger.Log("info", "build job finished", "job", h, "outcome", outcome)
		return outcome, nil
	case ctx.Err() != nil:
		return Pending, runnererr.Fatal(runnererr.KindBuild, ctx.Err())
	case wait.Interrupted(err):
		k.logger.Log("warning", "build job timed out", "job", h, "timeout", timeout)
		return TimedOut, nil
	default:
		return Pending, runnererr.Transient(runnererr.KindBuild, errors.Wrapf(err, "waiting for job %s", h))
	}
}

func jobOutcome(job *batchv1.Job) Outcome {
	if job.Status.Succeeded > 0 {
		return Succeeded
	}
	if job.Status.Failed > 0 {
		return Failed
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete:
			return Succeeded
		case batchv1.JobFailed:
			return Failed
		}
	}
	return Pending
}

func (k *Kaniko) DeleteJob(ctx context.Context, h JobHandle) error {
	policy := metav1.DeletePropagationForeground
	err := k.client.Jobs(h.Namespace).Delete(ctx, h.Name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return runnererr.Transient(runnererr.KindCleanup, errors.Wrapf(err, "deleting job %s", h))
	}

	// Foreground deletion leaves the job in place until its pods have
	// gone; wait for that, so the name is free for the next attempt.
	err = wait.PollUntilContextTimeout(ctx, deletePollInterval, k.opts.DeleteTimeout, true, func(ctx context.Context) (bool, error) {
		_, err := k.client.Jobs(h.Namespace).Get(ctx, h.Name, metav1.GetOptions{})
		return apierrors.IsNotFound(err), nil
	})
	if err != nil {
		return runnererr.Transient(runnererr.KindCleanup, errors.Wrapf(err, "waiting for job %s to be deleted", h))
	}
	k.logger.Log("info", "build job deleted", "job", h)
	return nil
}
