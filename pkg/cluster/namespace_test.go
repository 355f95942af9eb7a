package cluster

import (
	"context"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	runnererr "github.com/fluxcd/cirunner/pkg/errors"
)

var namespacesResource = schema.GroupResource{Resource: "namespaces"}

func TestEnsureCreatesMissingNamespace(t *testing.T) {
	client := fake.NewSimpleClientset()
	n := NewNamespacer(client.CoreV1(), log.NewNopLogger())

	require.NoError(t, n.Ensure(context.Background(), "cicd"))
	_, err := client.CoreV1().Namespaces().Get(context.Background(), "cicd", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestEnsureExistingNamespace(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "cicd"}})
	n := NewNamespacer(client.CoreV1(), log.NewNopLogger())

	require.NoError(t, n.Ensure(context.Background(), "cicd"))
	for _, a := range client.Actions() {
		assert.NotEqual(t, "create", a.GetVerb())
	}
}

func TestEnsureToleratesForbiddenRead(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("get", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(namespacesResource, "cicd", nil)
	})
	n := NewNamespacer(client.CoreV1(), log.NewNopLogger())

	assert.NoError(t, n.Ensure(context.Background(), "cicd"))
	for _, a := range client.Actions() {
		assert.NotEqual(t, "create", a.GetVerb())
	}
}

func TestEnsureToleratesCreateConflicts(t *testing.T) {
	for name, createErr := range map[string]error{
		"already exists": apierrors.NewAlreadyExists(namespacesResource, "cicd"),
		"forbidden":      apierrors.NewForbidden(namespacesResource, "cicd", nil),
	} {
		t.Run(name, func(t *testing.T) {
			client := fake.NewSimpleClientset()
			client.PrependReactor("create", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
				return true, nil, createErr
			})
			n := NewNamespacer(client.CoreV1(), log.NewNopLogger())
			assert.NoError(t, n.Ensure(context.Background(), "cicd"))
		})
	}
}

func TestEnsureOtherErrors(t *testing.T) {
	client := fake.NewSimpleClientset()
	client.PrependReactor("get", "namespaces", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewInternalError(assert.AnError)
	})
	n := NewNamespacer(client.CoreV1(), log.NewNopLogger())

	err := n.Ensure(context.Background(), "cicd")
	assert.True(t, runnererr.IsTransient(err))
	assert.Equal(t, runnererr.KindNamespace, runnererr.KindOf(err))
}
