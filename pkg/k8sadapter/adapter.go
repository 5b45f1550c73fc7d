// Package k8sadapter implements the Kubernetes Adapter (KA): object
// creation (Pod/Service/Ingress/NetworkPolicy/ConfigMap/Secret), label-
// selector deletion sweeps, pod status standardization, and the Red-Blue
// shared-defender variant.
package k8sadapter

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	imerrors "github.com/edurange/instance-manager/internal/errors"
)

// Status is the standardized pod status exposed to callers, per spec.md
// §4.7.
type Status string

const (
	StatusCreating     Status = "CREATING"
	StatusActive       Status = "ACTIVE"
	StatusError        Status = "ERROR"
	StatusTerminating  Status = "TERMINATING"
)

// deletionSweepOrder is the kind order used when deleting by label
// selector, per spec.md §4.7.
var deletionSweepOrder = []string{"Ingress", "Service", "Pod", "ConfigMap", "Secret", "Deployment", "StatefulSet"}

// namespace is the fixed namespace objects are created in, per spec.md
// §4.7 ("Creates objects in namespace default").
const namespace = "default"

// Client wraps a Kubernetes clientset with the Instance Manager's object-
// creation and cleanup conventions.
type Client struct {
	clientset kubernetes.Interface
	logger    *slog.Logger
}

// New builds a Client from a kubeconfig path, falling back to in-cluster
// config when kubeconfigPath is empty — the same two-path resolution the
// teacher's platform connectors use for external dependencies.
func New(kubeconfigPath string, logger *slog.Logger) (*Client, error) {
	var cfg *rest.Config
	var err error
	if kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return &Client{clientset: clientset, logger: logger}, nil
}

// NewWithClientset wraps an existing clientset (used by tests with a fake
// clientset).
func NewWithClientset(clientset kubernetes.Interface, logger *slog.Logger) *Client {
	return &Client{clientset: clientset, logger: logger}
}

// SecurityDefaults is applied to every pod unless a CTD container spec
// overrides a field, per spec.md §4.7.
func SecurityDefaults() *corev1.PodSecurityContext {
	runAsNonRoot := true
	uid := int64(1000)
	gid := int64(1000)
	return &corev1.PodSecurityContext{
		RunAsNonRoot: &runAsNonRoot,
		RunAsUser:    &uid,
		RunAsGroup:   &gid,
		FSGroup:      &gid,
	}
}

// ContainerSecurityDefaults is the per-container security default, overridden
// by CTD per-container settings where present.
func ContainerSecurityDefaults() *corev1.SecurityContext {
	allowEscalation := false
	return &corev1.SecurityContext{
		AllowPrivilegeEscalation: &allowEscalation,
		SeccompProfile:           &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
	}
}

// CreatePod creates a pod object with the standard security defaults
// applied, matching spec.md §4.7.
func (c *Client) CreatePod(ctx context.Context, pod *corev1.Pod) (*corev1.Pod, error) {
	if pod.Spec.SecurityContext == nil {
		pod.Spec.SecurityContext = SecurityDefaults()
	}
	for i := range pod.Spec.Containers {
		if pod.Spec.Containers[i].SecurityContext == nil {
			pod.Spec.Containers[i].SecurityContext = ContainerSecurityDefaults()
		}
	}
	if pod.Namespace == "" {
		pod.Namespace = namespace
	}

	created, err := c.clientset.CoreV1().Pods(pod.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrDeploymentFailure, "creating pod %s: %v", pod.Name, err)
	}
	return created, nil
}

// CreateService creates a Service object.
func (c *Client) CreateService(ctx context.Context, svc *corev1.Service) (*corev1.Service, error) {
	if svc.Namespace == "" {
		svc.Namespace = namespace
	}
	created, err := c.clientset.CoreV1().Services(svc.Namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrDeploymentFailure, "creating service %s: %v", svc.Name, err)
	}
	return created, nil
}

// CreateIngress creates an Ingress object.
func (c *Client) CreateIngress(ctx context.Context, ing *networkingv1.Ingress) (*networkingv1.Ingress, error) {
	if ing.Namespace == "" {
		ing.Namespace = namespace
	}
	created, err := c.clientset.NetworkingV1().Ingresses(ing.Namespace).Create(ctx, ing, metav1.CreateOptions{})
	if err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrDeploymentFailure, "creating ingress %s: %v", ing.Name, err)
	}
	return created, nil
}

// CreateNetworkPolicy creates a NetworkPolicy object.
func (c *Client) CreateNetworkPolicy(ctx context.Context, np *networkingv1.NetworkPolicy) (*networkingv1.NetworkPolicy, error) {
	if np.Namespace == "" {
		np.Namespace = namespace
	}
	created, err := c.clientset.NetworkingV1().NetworkPolicies(np.Namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrDeploymentFailure, "creating network policy %s: %v", np.Name, err)
	}
	return created, nil
}

// CreateSecret creates a Secret object.
func (c *Client) CreateSecret(ctx context.Context, secret *corev1.Secret) (*corev1.Secret, error) {
	if secret.Namespace == "" {
		secret.Namespace = namespace
	}
	created, err := c.clientset.CoreV1().Secrets(secret.Namespace).Create(ctx, secret, metav1.CreateOptions{})
	if err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrDeploymentFailure, "creating secret %s: %v", secret.Name, err)
	}
	return created, nil
}

// CreateConfigMap creates a ConfigMap object.
func (c *Client) CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) (*corev1.ConfigMap, error) {
	if cm.Namespace == "" {
		cm.Namespace = namespace
	}
	created, err := c.clientset.CoreV1().ConfigMaps(cm.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrDeploymentFailure, "creating config map %s: %v", cm.Name, err)
	}
	return created, nil
}

// GetSecretValue reads a single key (defaulting to the first key present)
// from a Secret, used by /get-secret's fallback name search.
func (c *Client) GetSecretValue(ctx context.Context, ns, name, key string) (string, error) {
	secret, err := c.clientset.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", err
	}
	if key != "" {
		if v, ok := secret.Data[key]; ok {
			return string(v), nil
		}
		return "", fmt.Errorf("key %q not present in secret %s", key, name)
	}
	for _, v := range secret.Data {
		return string(v), nil
	}
	return "", fmt.Errorf("secret %s has no data", name)
}

// PodStatus standardizes a Pod's phase per spec.md §4.7: Pending→CREATING,
// Running/Succeeded→ACTIVE, Failed→ERROR, a set deletion timestamp always
// wins and maps to TERMINATING, anything else→ERROR.
func PodStatus(pod *corev1.Pod) Status {
	if pod.DeletionTimestamp != nil {
		return StatusTerminating
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return StatusCreating
	case corev1.PodRunning, corev1.PodSucceeded:
		return StatusActive
	case corev1.PodFailed:
		return StatusError
	default:
		return StatusError
	}
}

// ListChallengePods lists every pod labeled app=ctfchal, per spec.md §4.7.
func (c *Client) ListChallengePods(ctx context.Context) ([]corev1.Pod, error) {
	list, err := c.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: "app=ctfchal"})
	if err != nil {
		return nil, fmt.Errorf("listing challenge pods: %w", err)
	}
	return list.Items, nil
}

// GetPod fetches a single pod by name, returning (nil, nil) on not-found.
func (c *Client) GetPod(ctx context.Context, ns, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", name, err)
	}
	return pod, nil
}

// DeleteByInstance sweeps every object labeled instance=<name> across
// deletionSweepOrder, using foreground propagation, per spec.md §4.7.
func (c *Client) DeleteByInstance(ctx context.Context, instance string) error {
	selector := fmt.Sprintf("instance=%s", SanitizeLabel(instance))
	propagation := metav1.DeletePropagationForeground
	opts := metav1.DeleteOptions{PropagationPolicy: &propagation}
	listOpts := metav1.ListOptions{LabelSelector: selector}

	var firstErr error
	for _, kind := range deletionSweepOrder {
		if err := c.deleteKind(ctx, kind, listOpts, opts); err != nil {
			c.logger.Warn("deletion sweep step failed", "kind", kind, "instance", instance, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Client) deleteKind(ctx context.Context, kind string, listOpts metav1.ListOptions, opts metav1.DeleteOptions) error {
	switch kind {
	case "Ingress":
		return c.clientset.NetworkingV1().Ingresses(namespace).DeleteCollection(ctx, opts, listOpts)
	case "Service":
		list, err := c.clientset.CoreV1().Services(namespace).List(ctx, listOpts)
		if err != nil {
			return err
		}
		for _, svc := range list.Items {
			if err := c.clientset.CoreV1().Services(namespace).Delete(ctx, svc.Name, opts); err != nil && !apierrors.IsNotFound(err) {
				return err
			}
		}
		return nil
	case "Pod":
		return c.clientset.CoreV1().Pods(namespace).DeleteCollection(ctx, opts, listOpts)
	case "ConfigMap":
		return c.clientset.CoreV1().ConfigMaps(namespace).DeleteCollection(ctx, opts, listOpts)
	case "Secret":
		return c.clientset.CoreV1().Secrets(namespace).DeleteCollection(ctx, opts, listOpts)
	case "Deployment":
		return c.clientset.AppsV1().Deployments(namespace).DeleteCollection(ctx, opts, listOpts)
	case "StatefulSet":
		return c.clientset.AppsV1().StatefulSets(namespace).DeleteCollection(ctx, opts, listOpts)
	default:
		return fmt.Errorf("unknown kind %q in deletion sweep", kind)
	}
}
