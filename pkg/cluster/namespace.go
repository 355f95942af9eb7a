package cluster

import (
	"context"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

// Namespaces makes sure the namespaces the runner works in exist.
type Namespaces interface {
	Ensure(ctx context.Context, name string) error
}

// Namespacer creates namespaces on demand. A runner with too few
// privileges to look at or create namespaces carries on regardless,
// on the assumption that someone else has made them.
type Namespacer struct {
	client typedcorev1.NamespacesGetter
	logger log.Logger
}

func NewNamespacer(client typedcorev1.NamespacesGetter, logger log.Logger) *Namespacer {
	return &Namespacer{client: client, logger: logger}
}

func (n *Namespacer) Ensure(ctx context.Context, name string) error {
	_, err := n.client.Namespaces().Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		return nil
	case apierrors.IsForbidden(err):
		n.logger.Log("info", "not permitted to read namespace; assuming it exists", "namespace", name)
		return nil
	case !apierrors.IsNotFound(err):
		return runnererr.Transient(runnererr.KindNamespace, errors.Wrapf(err, "reading namespace %s", name))
	}

	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	_, err = n.client.Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	switch {
	case err == nil:
		n.logger.Log("info", "namespace created", "namespace", name)
		return nil
	case apierrors.IsAlreadyExists(err):
		n.logger.Log("info", "namespace already exists", "namespace", name)
		return nil
	case apierrors.IsForbidden(err):
		n.logger.Log("warning", "not permitted to create namespace; continuing without it", "namespace", name)
		return nil
	default:
		return runnererr.Transient(runnererr.KindNamespace, errors.Wrapf(err, "creating namespace %s", name))
	}
}
