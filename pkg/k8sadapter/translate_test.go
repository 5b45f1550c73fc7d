package k8sadapter

import (
	"testing"

	"github.com/edurange/instance-manager/pkg/ctd"
)

func TestBuildPodAppliesLabelsAndContainers(t *testing.T) {
	tmpl := ctd.PodTemplate{
		Name: "web",
		Containers: []ctd.ContainerSpec{{
			Name:  "app",
			Image: "example/app:latest",
			Env:   []ctd.EnvVar{{Name: "FLAG", Value: "flag{test}"}},
			Ports: []int32{8080},
			Resources: &ctd.ResourceSpec{
				Requests: ctd.ResourceLimits{CPU: "100m", Memory: "64Mi"},
			},
		}},
	}
	labels := map[string]string{"app": "ctfchal", "instance": "demo"}

	pod := BuildPod(tmpl, labels)

	if pod.Name != "web" {
		t.Errorf("pod name = %q, want web", pod.Name)
	}
	if pod.Labels["instance"] != "demo" {
		t.Errorf("pod labels = %v, missing instance=demo", pod.Labels)
	}
	if len(pod.Spec.Containers) != 1 {
		t.Fatalf("containers = %d, want 1", len(pod.Spec.Containers))
	}
	c := pod.Spec.Containers[0]
	if c.Image != "example/app:latest" {
		t.Errorf("image = %q", c.Image)
	}
	if len(c.Env) != 1 || c.Env[0].Name != "FLAG" {
		t.Errorf("env = %v", c.Env)
	}
	if len(c.Ports) != 1 || c.Ports[0].ContainerPort != 8080 {
		t.Errorf("ports = %v", c.Ports)
	}
	if c.Resources.Requests.Cpu().String() != "100m" {
		t.Errorf("cpu request = %v", c.Resources.Requests.Cpu())
	}
}

func TestBuildServiceSelectsByLabels(t *testing.T) {
	svc := ctd.ServiceSpec{Name: "web-svc", Ports: []int32{80, 443}}
	labels := map[string]string{"instance": "demo"}

	built := BuildService(svc, labels)

	if built.Name != "web-svc" {
		t.Errorf("name = %q", built.Name)
	}
	if built.Spec.Selector["instance"] != "demo" {
		t.Errorf("selector = %v", built.Spec.Selector)
	}
	if len(built.Spec.Ports) != 2 {
		t.Fatalf("ports = %d, want 2", len(built.Spec.Ports))
	}
}

func TestBuildNetworkPolicyDefaultDenyWithNoAllows(t *testing.T) {
	np := ctd.NetworkPolicySpec{Name: "deny-all"}
	labels := map[string]string{"instance": "demo"}

	built := BuildNetworkPolicy(np, labels)

	if len(built.Spec.Egress) != 0 {
		t.Errorf("egress = %v, want none for a default-deny policy", built.Spec.Egress)
	}
	if built.Spec.PodSelector.MatchLabels["instance"] != "demo" {
		t.Errorf("pod selector = %v", built.Spec.PodSelector.MatchLabels)
	}
}

func TestBuildNetworkPolicyAllowsDNSAndCIDRs(t *testing.T) {
	np := ctd.NetworkPolicySpec{Name: "allow-dns", AllowTo: []string{"10.0.0.0/8"}, AllowDNS: true}
	labels := map[string]string{"instance": "demo"}

	built := BuildNetworkPolicy(np, labels)

	if len(built.Spec.Egress) != 2 {
		t.Fatalf("egress rules = %d, want 2 (cidr + dns)", len(built.Spec.Egress))
	}
}

func TestBuildConfigMapCarriesDataAndLabels(t *testing.T) {
	cm := BuildConfigMap("app-config", map[string]string{"host": "demo.example.test"}, map[string]string{"instance": "demo"})

	if cm.Name != "app-config" {
		t.Errorf("name = %q", cm.Name)
	}
	if cm.Data["host"] != "demo.example.test" {
		t.Errorf("data = %v", cm.Data)
	}
	if cm.Labels["instance"] != "demo" {
		t.Errorf("labels = %v", cm.Labels)
	}
}

func TestBuildSecretCarriesDataAndLabels(t *testing.T) {
	sec := BuildSecret("app-secret", map[string]string{"flag": "flag{test}"}, map[string]string{"instance": "demo"})

	if sec.Name != "app-secret" {
		t.Errorf("name = %q", sec.Name)
	}
	if sec.StringData["flag"] != "flag{test}" {
		t.Errorf("string data = %v", sec.StringData)
	}
	if sec.Labels["instance"] != "demo" {
		t.Errorf("labels = %v", sec.Labels)
	}
}

func TestBuildIngressDefaultsPathType(t *testing.T) {
	ing := ctd.IngressSpec{Name: "web-ing", Host: "demo.example.test"}
	built := BuildIngress(ing, "web-svc", 80, map[string]string{"instance": "demo"})

	rule := built.Spec.Rules[0]
	if rule.Host != "demo.example.test" {
		t.Errorf("host = %q", rule.Host)
	}
	path := rule.HTTP.Paths[0]
	if path.Path != "/" {
		t.Errorf("path = %q, want /", path.Path)
	}
	if *path.PathType != "Prefix" {
		t.Errorf("path type = %v, want Prefix", *path.PathType)
	}
	if path.Backend.Service.Name != "web-svc" || path.Backend.Service.Port.Number != 80 {
		t.Errorf("backend = %+v", path.Backend.Service)
	}
}
