package kubernetes

import (
	"context"
	"fmt"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nebari-dev/eks-bootstrap/pkg/bootstrap"
	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// ManagedByLabel marks objects created by this tool
const ManagedByLabel = "app.kubernetes.io/managed-by"

const managedByValue = "eksboot"

// EnsureServiceAccount creates the service account with the given
// annotations, or adds any missing or different annotations to an existing
// one. Other annotations on an existing account are left alone.
func EnsureServiceAccount(ctx context.Context, client kubernetes.Interface, namespace, name string, annotations map[string]string) (bootstrap.Outcome, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "kubernetes.EnsureServiceAccount")
	defer span.End()

	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.String("name", name),
	)

	accounts := client.CoreV1().ServiceAccounts(namespace)

	existing, err := accounts.Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		sa := &corev1.ServiceAccount{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   namespace,
				Labels:      map[string]string{ManagedByLabel: managedByValue},
				Annotations: maps.Clone(annotations),
			},
		}
		_, err = accounts.Create(ctx, sa, metav1.CreateOptions{})
		if err == nil {
			return bootstrap.OutcomeCreated, nil
		}
		if !errors.IsAlreadyExists(err) {
			span.RecordError(err)
			return bootstrap.OutcomeCreated, fmt.Errorf("failed to create service account %s/%s: %w", namespace, name, err)
		}
		// created concurrently since the lookup; reconcile what is there
		existing, err = accounts.Get(ctx, name, metav1.GetOptions{})
	}
	if err != nil {
		span.RecordError(err)
		return bootstrap.OutcomeCreated, fmt.Errorf("failed to get service account %s/%s: %w", namespace, name, err)
	}

	changed := false
	for k, v := range annotations {
		if existing.Annotations[k] != v {
			changed = true
			break
		}
	}
	if !changed {
		return bootstrap.OutcomeAlreadyExists, nil
	}

	updated := existing.DeepCopy()
	if updated.Annotations == nil {
		updated.Annotations = make(map[string]string, len(annotations))
	}
	maps.Copy(updated.Annotations, annotations)

	if _, err := accounts.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		span.RecordError(err)
		return bootstrap.OutcomeCreated, fmt.Errorf("failed to update service account %s/%s: %w", namespace, name, err)
	}

	status.Send(ctx, status.NewUpdate(status.LevelInfo, fmt.Sprintf("Updated annotations on service account %s/%s", namespace, name)).
		WithResource("serviceaccount").
		WithAction("updated"))

	// annotations changed, so the account is not as we found it
	return bootstrap.OutcomeCreated, nil
}

// EnsureClusterRoleBinding binds roleName to subjects. An existing binding
// with the same name is left unchanged when it already grants every subject.
func EnsureClusterRoleBinding(ctx context.Context, client kubernetes.Interface, name, roleName string, subjects []rbacv1.Subject) (bootstrap.Outcome, error) {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "kubernetes.EnsureClusterRoleBinding")
	defer span.End()

	span.SetAttributes(
		attribute.String("name", name),
		attribute.String("role", roleName),
	)

	bindings := client.RbacV1().ClusterRoleBindings()

	existing, err := bindings.Get(ctx, name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		crb := &rbacv1.ClusterRoleBinding{
			ObjectMeta: metav1.ObjectMeta{
				Name:   name,
				Labels: map[string]string{ManagedByLabel: managedByValue},
			},
			RoleRef: rbacv1.RoleRef{
				APIGroup: rbacv1.GroupName,
				Kind:     "ClusterRole",
				Name:     roleName,
			},
			Subjects: subjects,
		}
		_, err = bindings.Create(ctx, crb, metav1.CreateOptions{})
		if err == nil {
			return bootstrap.OutcomeCreated, nil
		}
		if !errors.IsAlreadyExists(err) {
			span.RecordError(err)
			return bootstrap.OutcomeCreated, fmt.Errorf("failed to create cluster role binding %s: %w", name, err)
		}
		existing, err = bindings.Get(ctx, name, metav1.GetOptions{})
	}
	if err != nil {
		span.RecordError(err)
		return bootstrap.OutcomeCreated, fmt.Errorf("failed to get cluster role binding %s: %w", name, err)
	}

	if existing.RoleRef.Name != roleName {
		// roleRef is immutable; a binding pointing elsewhere needs a human
		err := fmt.Errorf("cluster role binding %s already binds %s, not %s", name, existing.RoleRef.Name, roleName)
		span.RecordError(err)
		return bootstrap.OutcomeAlreadyExists, err
	}

	missing := missingSubjects(existing.Subjects, subjects)
	if len(missing) == 0 {
		return bootstrap.OutcomeAlreadyExists, nil
	}

	updated := existing.DeepCopy()
	updated.Subjects = append(updated.Subjects, missing...)
	if _, err := bindings.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		span.RecordError(err)
		return bootstrap.OutcomeCreated, fmt.Errorf("failed to update cluster role binding %s: %w", name, err)
	}
	return bootstrap.OutcomeCreated, nil
}

func missingSubjects(have, want []rbacv1.Subject) []rbacv1.Subject {
	var missing []rbacv1.Subject
	for _, w := range want {
		found := false
		for _, h := range have {
			if h.Kind == w.Kind && h.Name == w.Name && h.Namespace == w.Namespace {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, w)
		}
	}
	return missing
}
