package kubernetes

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nebari-dev/eks-bootstrap/pkg/status"
)

// AnyNodeReady checks if at least one node in the cluster is in Ready state
func AnyNodeReady(ctx context.Context, client kubernetes.Interface) (bool, error) {
	nodes, err := client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, err
	}

	for _, node := range nodes.Items {
		for _, condition := range node.Status.Conditions {
			if condition.Type == corev1.NodeReady && condition.Status == corev1.ConditionTrue {
				return true, nil
			}
		}
	}

	return false, nil
}

// WaitForDeploymentReady waits until the deployment reports all desired
// replicas available.
func WaitForDeploymentReady(ctx context.Context, client kubernetes.Interface, namespace, name string, interval, timeout time.Duration) error {
	tracer := otel.Tracer("eks-bootstrap")
	ctx, span := tracer.Start(ctx, "kubernetes.WaitForDeploymentReady")
	defer span.End()

	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.String("deployment", name),
		attribute.String("timeout", timeout.String()),
	)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status.Send(ctx, status.NewUpdate(status.LevelProgress, fmt.Sprintf("Waiting for deployment %s/%s", namespace, name)).
		WithResource("deployment").
		WithAction("waiting"))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ready, err := deploymentReady(ctx, client, namespace, name); err == nil && ready {
			status.Send(ctx, status.NewUpdate(status.LevelSuccess, fmt.Sprintf("Deployment %s/%s is ready", namespace, name)).
				WithResource("deployment").
				WithAction("ready"))
			return nil
		}

		select {
		case <-ctx.Done():
			err := fmt.Errorf("timeout waiting for deployment %s/%s to be ready: %w", namespace, name, ctx.Err())
			span.RecordError(err)
			return err
		case <-ticker.C:
		}
	}
}

func deploymentReady(ctx context.Context, client kubernetes.Interface, namespace, name string) (bool, error) {
	deployment, err := client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return false, err
	}

	want := int32(1)
	if deployment.Spec.Replicas != nil {
		want = *deployment.Spec.Replicas
	}
	return deployment.Status.AvailableReplicas >= want, nil
}
