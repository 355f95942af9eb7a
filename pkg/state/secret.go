package state

import (
	"context"
	"encoding/json"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
)

const lastCommitKey = "cirunner.fluxcd.io/last-commit"

// SecretStore keeps RunnerState as an annotation on a Kubernetes
// secret. The API server applies each patch atomically, so there's no
// equivalent of a half-written file.
type SecretStore struct {
	namespace    string
	resourceName string
	resourceAPI  typedcorev1.SecretInterface
	logger       log.Logger
}

func NewSecretStore(client typedcorev1.SecretsGetter, namespace, resourceName string, logger log.Logger) *SecretStore {
	return &SecretStore{
		namespace:    namespace,
		resourceName: resourceName,
		resourceAPI:  client.Secrets(namespace),
		logger:       logger,
	}
}

func (s *SecretStore) String() string {
	return "kubernetes " + s.namespace + ":secret/" + s.resourceName
}

func (s *SecretStore) Load(ctx context.Context) RunnerState {
	secret, err := s.resourceAPI.Get(ctx, s.resourceName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		s.logger.Log("info", "state secret does not exist yet", "state", s.String())
		return RunnerState{}
	}
	if err != nil {
		s.logger.Log("warning", "failed to read state secret", "state", s.String(), "err", err)
		return RunnerState{}
	}
	return RunnerState{LastCommit: secret.Annotations[lastCommitKey]}
}

func (s *SecretStore) Save(ctx context.Context, st RunnerState) error {
	err := s.patch(ctx, st.LastCommit)
	if !apierrors.IsNotFound(err) {
		return err
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:        s.resourceName,
			Namespace:   s.namespace,
			Annotations: map[string]string{lastCommitKey: st.LastCommit},
		},
		Type: corev1.SecretTypeOpaque,
	}
	_, err = s.resourceAPI.Create(ctx, secret, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return s.patch(ctx, st.LastCommit)
	}
	return errors.Wrapf(err, "creating %s", s.String())
}

func (s *SecretStore) patch(ctx context.Context, revision string) error {
	jsonPatch, err := json.Marshal(patch(revision))
	if err != nil {
		return err
	}
	_, err = s.resourceAPI.Patch(ctx, s.resourceName, types.MergePatchType, jsonPatch, metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return err
	}
	return errors.Wrapf(err, "updating %s", s.String())
}

func patch(revision string) map[string]map[string]map[string]string {
	return map[string]map[string]map[string]string{
		"metadata": {
			"annotations": {
				lastCommitKey: revision,
			},
		},
	}
}
