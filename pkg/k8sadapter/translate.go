package k8sadapter

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/edurange/instance-manager/pkg/ctd"
)

// parseQuantity parses a Kubernetes resource quantity string, falling back
// to the zero quantity for a malformed CTD value rather than failing the
// whole deployment.
func parseQuantity(s string) resource.Quantity {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return resource.Quantity{}
	}
	return q
}

// BuildPod converts a resolved, substituted PodTemplate into a corev1.Pod
// carrying the instance's labels. CreatePod applies security defaults on
// top of whatever this leaves unset.
func BuildPod(tmpl ctd.PodTemplate, labels map[string]string) *corev1.Pod {
	containers := make([]corev1.Container, 0, len(tmpl.Containers))
	for _, c := range tmpl.Containers {
		containers = append(containers, buildContainer(c))
	}

	volumes := make([]corev1.Volume, 0, len(tmpl.Volumes))
	for _, v := range tmpl.Volumes {
		vol := corev1.Volume{Name: v.Name}
		if v.Type == "emptyDir" {
			vol.VolumeSource = corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
		}
		volumes = append(volumes, vol)
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: tmpl.Name, Labels: labels},
		Spec: corev1.PodSpec{
			Containers:    containers,
			Volumes:       volumes,
			RestartPolicy: corev1.RestartPolicyNever,
		},
	}
}

func buildContainer(c ctd.ContainerSpec) corev1.Container {
	env := make([]corev1.EnvVar, 0, len(c.Env))
	for _, e := range c.Env {
		env = append(env, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}

	ports := make([]corev1.ContainerPort, 0, len(c.Ports))
	for _, p := range c.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: p})
	}

	container := corev1.Container{
		Name:  c.Name,
		Image: c.Image,
		Env:   env,
		Ports: ports,
	}
	if c.Resources != nil {
		container.Resources = corev1.ResourceRequirements{
			Requests: resourceList(c.Resources.Requests),
			Limits:   resourceList(c.Resources.Limits),
		}
	}
	return container
}

func resourceList(r ctd.ResourceLimits) corev1.ResourceList {
	list := corev1.ResourceList{}
	if r.CPU != "" {
		list[corev1.ResourceCPU] = parseQuantity(r.CPU)
	}
	if r.Memory != "" {
		list[corev1.ResourceMemory] = parseQuantity(r.Memory)
	}
	return list
}

// BuildService converts a resolved ServiceSpec into a corev1.Service
// selecting pods by labels.
func BuildService(svc ctd.ServiceSpec, labels map[string]string) *corev1.Service {
	ports := make([]corev1.ServicePort, 0, len(svc.Ports))
	for _, p := range svc.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("port-%d", p),
			Port:       p,
			TargetPort: intstr.FromInt32(p),
		})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: svc.Name, Labels: labels},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports:    ports,
		},
	}
}

// BuildIngress converts a resolved IngressSpec into a networkingv1.Ingress
// routing Host/Path to svc.Name.
func BuildIngress(ing ctd.IngressSpec, svcName string, svcPort int32, labels map[string]string) *networkingv1.Ingress {
	pathType := networkingv1.PathTypePrefix
	if ing.PathType == "Exact" {
		pathType = networkingv1.PathTypeExact
	}
	path := ing.Path
	if path == "" {
		path = "/"
	}

	spec := networkingv1.IngressSpec{
		Rules: []networkingv1.IngressRule{{
			Host: ing.Host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:     path,
						PathType: &pathType,
						Backend: networkingv1.IngressBackend{
							Service: &networkingv1.IngressServiceBackend{
								Name: svcName,
								Port: networkingv1.ServiceBackendPort{Number: svcPort},
							},
						},
					}},
				},
			},
		}},
	}
	if ing.TLS != nil {
		spec.TLS = []networkingv1.IngressTLS{{Hosts: ing.TLS.Hosts, SecretName: ing.TLS.SecretName}}
	}

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: ing.Name, Labels: labels},
		Spec:       spec,
	}
}

// BuildConfigMap converts a resolved configMap component's substituted data
// into a corev1.ConfigMap carrying the instance's labels.
func BuildConfigMap(name string, data map[string]string, labels map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		Data:       data,
	}
}

// BuildSecret converts a resolved secret component's substituted data into a
// corev1.Secret carrying the instance's labels.
func BuildSecret(name string, data map[string]string, labels map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		StringData: data,
	}
}

// BuildNetworkPolicy converts a resolved NetworkPolicySpec into a
// networkingv1.NetworkPolicy. An empty AllowTo/AllowDNS still produces a
// default-deny policy scoped to the instance's pods.
func BuildNetworkPolicy(np ctd.NetworkPolicySpec, labels map[string]string) *networkingv1.NetworkPolicy {
	egress := make([]networkingv1.NetworkPolicyEgressRule, 0, len(np.AllowTo)+1)
	for _, cidr := range np.AllowTo {
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{{IPBlock: &networkingv1.IPBlock{CIDR: cidr}}},
		})
	}
	if np.AllowDNS {
		udp := corev1.ProtocolUDP
		port := intstr.FromInt32(53)
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			Ports: []networkingv1.NetworkPolicyPort{{Protocol: &udp, Port: &port}},
		})
	}

	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: np.Name, Labels: labels},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: labels},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}
}
