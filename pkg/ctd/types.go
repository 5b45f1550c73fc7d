// Package ctd implements the CTD/CDF template resolver (TR): loading and
// caching Challenge Type Definitions, substituting a Challenge Definition
// Format document against a resolved instance context, assembling the WebOS
// APPS_CONFIG, and applying typeConfig extension-point overrides.
package ctd

import "encoding/json"

// EnvVar is a container environment variable, name/value pair.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ResourceLimits mirrors a Kubernetes ResourceRequirements subset, carried
// over from original_source/challenge_utils/k8s_resources.py's per-container
// resources.requests/limits block (dropped by the distillation, restored
// here since no Non-goal excludes it).
type ResourceLimits struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// ResourceSpec is the optional requests/limits pair on a container.
type ResourceSpec struct {
	Requests ResourceLimits `json:"requests,omitempty"`
	Limits   ResourceLimits `json:"limits,omitempty"`
}

// ContainerSpec is one container in a pod template.
type ContainerSpec struct {
	Name      string         `json:"name"`
	Image     string         `json:"image"`
	Env       []EnvVar       `json:"env,omitempty"`
	Ports     []int32        `json:"ports,omitempty"`
	Resources *ResourceSpec  `json:"resources,omitempty"`
}

// VolumeSpec is a pod-level volume declaration.
type VolumeSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PodTemplate is the CTD's pod specification before substitution.
type PodTemplate struct {
	Name       string          `json:"name"`
	Containers []ContainerSpec `json:"containers"`
	Volumes    []VolumeSpec    `json:"volumes,omitempty"`
}

// ServiceSpec is a CTD-declared Kubernetes Service.
type ServiceSpec struct {
	Name  string `json:"name"`
	Ports []int32 `json:"ports"`
}

// IngressTLS carries the original's TLS-passthrough block referencing a
// wildcard cert secret (supplemented feature, see SPEC_FULL.md §4).
type IngressTLS struct {
	SecretName string   `json:"secretName"`
	Hosts      []string `json:"hosts"`
}

// IngressSpec is a CTD-declared Kubernetes Ingress.
type IngressSpec struct {
	Name     string      `json:"name"`
	Host     string      `json:"host"`
	Path     string      `json:"path"`
	PathType string      `json:"pathType,omitempty"` // supplemented: defaults to "Prefix"
	TLS      *IngressTLS `json:"tls,omitempty"`
}

// NetworkPolicySpec is a CTD-declared per-instance NetworkPolicy. The
// default-deny-plus-allow shape is supplemented from the original (see
// SPEC_FULL.md §4); an empty AllowTo/AllowDNS still produces a default-deny
// policy.
type NetworkPolicySpec struct {
	Name     string   `json:"name"`
	AllowTo  []string `json:"allowTo,omitempty"`
	AllowDNS bool     `json:"allowDNS"`
}

// ExtensionPoint declares where a CDF typeConfig override applies:
// "container.<name>.image" or "container.<name>.env".
type ExtensionPoint struct {
	Container string `json:"container"`
	Property  string `json:"property"`
}

// CTD is a loaded Challenge Type Definition.
type CTD struct {
	TypeID          string                    `json:"type_id"`
	SchemaVersion   string                    `json:"schema_version"`
	Pods            []PodTemplate             `json:"pods"`
	Services        []ServiceSpec             `json:"services,omitempty"`
	Ingresses       []IngressSpec             `json:"ingresses,omitempty"`
	NetworkPolicies []NetworkPolicySpec       `json:"networkPolicies,omitempty"`
	ExtensionPoints map[string]ExtensionPoint `json:"extensionPoints,omitempty"`
}

// ComponentKind names a CDF component's type.
type ComponentKind string

const (
	ComponentWebOSApp  ComponentKind = "webosApp"
	ComponentQuestion  ComponentKind = "question"
	ComponentContainer ComponentKind = "container"
	ComponentConfigMap ComponentKind = "configMap"
	ComponentSecret    ComponentKind = "secret"
)

// Component is one entry in a CDF's components list.
type Component struct {
	Kind             ComponentKind   `json:"type"`
	ID               string          `json:"id,omitempty"`
	Icon             string          `json:"icon,omitempty"`
	Title            string          `json:"title,omitempty"`
	Width            int             `json:"width,omitempty"`
	Height           int             `json:"height,omitempty"`
	Screen           string          `json:"screen,omitempty"`
	Disabled         bool            `json:"disabled,omitempty"`
	Favourite        bool            `json:"favourite,omitempty"`
	DesktopShortcut  bool            `json:"desktop_shortcut,omitempty"`
	LaunchOnStartup  bool            `json:"launch_on_startup,omitempty"`
	AdditionalConfig map[string]any  `json:"additional_config,omitempty"`

	// question-specific fields
	Prompt      string `json:"prompt,omitempty"`
	Text        string `json:"text,omitempty"`
	Points      int    `json:"points,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Explanation string `json:"explanation,omitempty"`
	QuestionType string `json:"question_type,omitempty"`

	// configMap/secret-specific fields
	Name string            `json:"name,omitempty"`
	Data map[string]string `json:"data,omitempty"`
}

// Metadata is a CDF's metadata block.
type Metadata struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ChallengeType string `json:"challenge_type"`
	Difficulty    string `json:"difficulty,omitempty"`
	Description   string `json:"description,omitempty"`
}

// ExtensionOverride is one typeConfig override: extensionPoints[key] applies
// ext.Property at the named container.
type ExtensionOverride struct {
	Image string   `json:"image,omitempty"`
	Env   []EnvVar `json:"env,omitempty"`
}

// CDF is the per-challenge Challenge Definition Format document.
type CDF struct {
	Metadata   Metadata                     `json:"metadata" validate:"required"`
	Components []Component                  `json:"components"`
	TypeConfig map[string]ExtensionOverride `json:"typeConfig,omitempty"`
	Variables  map[string]string            `json:"variables,omitempty" validate:"omitempty,dive,keys,template_key,endkeys,template_value"`
	Templates  []string                     `json:"templates,omitempty"`
}

// InstanceContext is the Resolved Instance Context: the substitution map fed
// to the template engine, plus any type-specific additions (e.g. database
// credentials for SQL-injection challenges).
type InstanceContext map[string]string

// ResolvedObject is one generated Kubernetes object spec, ready for
// k8sadapter to apply. Spec is already fully substituted.
type ResolvedObject struct {
	Kind string          `json:"kind"` // Pod | Service | Ingress | NetworkPolicy | ConfigMap | Secret
	Name string          `json:"name"`
	Spec json.RawMessage `json:"spec"`
}
