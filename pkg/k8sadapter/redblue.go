package k8sadapter

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DefenderName is the shared per-competition defender resource name, per
// spec.md §4.7a.
func DefenderName(competitionID string) string {
	return fmt.Sprintf("defense-%s", SanitizeLabel(competitionID))
}

// EnsureDefender creates the shared defender pod/service/ingress for a
// competition exactly once; subsequent calls for the same competition_id are
// a no-op. Its lifecycle is competition-scoped and is never touched by
// DeleteByInstance for an individual attacker deployment, per spec.md §4.7a.
func (c *Client) EnsureDefender(ctx context.Context, competitionID string, podSpec *corev1.Pod, svcSpec *corev1.Service, ingSpec *networkingv1.Ingress) error {
	name := DefenderName(competitionID)

	existing, err := c.clientset.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil && existing != nil {
		return nil // already deployed for this competition
	}
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("checking existing defender %s: %w", name, err)
	}

	podSpec.Name = name
	podSpec.Labels = mergeLabels(podSpec.Labels, map[string]string{
		"app":            "ctfchal-defender",
		"competition_id": SanitizeLabel(competitionID),
	})
	if _, err := c.CreatePod(ctx, podSpec); err != nil {
		return fmt.Errorf("creating defender pod: %w", err)
	}

	if svcSpec != nil {
		svcSpec.Name = name
		if _, err := c.CreateService(ctx, svcSpec); err != nil {
			return fmt.Errorf("creating defender service: %w", err)
		}
	}
	if ingSpec != nil {
		ingSpec.Name = name
		if _, err := c.CreateIngress(ctx, ingSpec); err != nil {
			return fmt.Errorf("creating defender ingress: %w", err)
		}
	}

	return nil
}

func mergeLabels(base, extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
