package ctd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	imerrors "github.com/edurange/instance-manager/internal/errors"
)

// ApplyTypeConfigOverrides walks extensionPoints declared on the CTD and, for
// each key present in the CDF's typeConfig, locates the target container (by
// name) within pods and applies the override at ext.Property. Only "image"
// and "env" are supported paths; any other path is logged and skipped,
// per spec.md §4.6 step 6.
func ApplyTypeConfigOverrides(pods []PodTemplate, ctd CTD, typeConfig map[string]ExtensionOverride, logger *slog.Logger) []PodTemplate {
	for key, ext := range ctd.ExtensionPoints {
		override, ok := typeConfig[key]
		if !ok {
			continue
		}

		applied := false
		for pi := range pods {
			for ci := range pods[pi].Containers {
				c := &pods[pi].Containers[ci]
				if c.Name != ext.Container {
					continue
				}
				switch ext.Property {
				case "image":
					if override.Image != "" {
						c.Image = override.Image
					}
					applied = true
				case "env":
					c.Env = mergeEnv(c.Env, override.Env)
					applied = true
				default:
					if logger != nil {
						logger.Warn("unsupported extension point property, skipping", "key", key, "property", ext.Property)
					}
				}
			}
		}
		if !applied && logger != nil {
			logger.Warn("extension point target container not found", "key", key, "container", ext.Container)
		}
	}
	return pods
}

// mergeEnv updates existing entries by name or appends new ones, matching
// spec.md §4.6's "update or append" semantics for the env extension path.
func mergeEnv(base []EnvVar, overrides []EnvVar) []EnvVar {
	result := append([]EnvVar(nil), base...)
	for _, ov := range overrides {
		found := false
		for i := range result {
			if result[i].Name == ov.Name {
				result[i].Value = ov.Value
				found = true
				break
			}
		}
		if !found {
			result = append(result, ov)
		}
	}
	return result
}

// Resolve runs the full CTD/CDF pipeline described in spec.md §4.6: it
// expects the caller to have already validated the CDF and built ctx
// (including FLAG/FLAG_SECRET_NAME/APPS_CONFIG), and to supply the loaded
// CTD for cdf.Metadata.ChallengeType. It substitutes every pod/service/
// ingress/networkPolicy template against ctx after applying typeConfig
// overrides, and returns the ordered list of resolved objects.
func Resolve(ctd CTD, cdf CDF, ctx InstanceContext, logger *slog.Logger) ([]ResolvedObject, error) {
	pods := ApplyTypeConfigOverrides(clonePods(ctd.Pods), ctd, cdf.TypeConfig, logger)

	objects := make([]ResolvedObject, 0, len(pods)+len(ctd.Services)+len(ctd.Ingresses)+len(ctd.NetworkPolicies))

	for _, pod := range pods {
		substituted := substitutePod(pod, ctx, logger)
		spec, err := json.Marshal(substituted)
		if err != nil {
			return nil, fmt.Errorf("marshaling pod %s: %w", pod.Name, err)
		}
		objects = append(objects, ResolvedObject{Kind: "Pod", Name: Substitute(pod.Name, ctx, logger), Spec: spec})
	}

	for _, svc := range ctd.Services {
		spec, err := json.Marshal(svc)
		if err != nil {
			return nil, fmt.Errorf("marshaling service %s: %w", svc.Name, err)
		}
		objects = append(objects, ResolvedObject{Kind: "Service", Name: Substitute(svc.Name, ctx, logger), Spec: spec})
	}

	for _, ing := range ctd.Ingresses {
		substituted := ing
		substituted.Host = Substitute(ing.Host, ctx, logger)
		substituted.Path = Substitute(ing.Path, ctx, logger)
		if substituted.PathType == "" {
			substituted.PathType = "Prefix"
		}
		spec, err := json.Marshal(substituted)
		if err != nil {
			return nil, fmt.Errorf("marshaling ingress %s: %w", ing.Name, err)
		}
		objects = append(objects, ResolvedObject{Kind: "Ingress", Name: Substitute(ing.Name, ctx, logger), Spec: spec})
	}

	for _, np := range ctd.NetworkPolicies {
		spec, err := json.Marshal(np)
		if err != nil {
			return nil, fmt.Errorf("marshaling network policy %s: %w", np.Name, err)
		}
		objects = append(objects, ResolvedObject{Kind: "NetworkPolicy", Name: Substitute(np.Name, ctx, logger), Spec: spec})
	}

	for _, c := range cdf.Components {
		if c.Kind != ComponentConfigMap && c.Kind != ComponentSecret {
			continue
		}
		data := make(map[string]string, len(c.Data))
		for k, v := range c.Data {
			data[k] = Substitute(v, ctx, logger)
		}
		spec, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s %s: %w", c.Kind, c.Name, err)
		}
		kind := "ConfigMap"
		if c.Kind == ComponentSecret {
			kind = "Secret"
		}
		objects = append(objects, ResolvedObject{Kind: kind, Name: Substitute(c.Name, ctx, logger), Spec: spec})
	}

	return objects, nil
}

func clonePods(pods []PodTemplate) []PodTemplate {
	out := make([]PodTemplate, len(pods))
	for i, p := range pods {
		containers := make([]ContainerSpec, len(p.Containers))
		copy(containers, p.Containers)
		out[i] = PodTemplate{Name: p.Name, Containers: containers, Volumes: p.Volumes}
	}
	return out
}

func substitutePod(pod PodTemplate, ctx InstanceContext, logger *slog.Logger) PodTemplate {
	pod.Name = Substitute(pod.Name, ctx, logger)
	for i := range pod.Containers {
		c := &pod.Containers[i]
		c.Image = Substitute(c.Image, ctx, logger)
		for j := range c.Env {
			c.Env[j].Value = Substitute(c.Env[j].Value, ctx, logger)
		}
	}
	return pod
}

// ValidateChallengeType returns ErrUnknownChallengeType if typeID has no
// entry in loaded, or ErrMissingCTD if loaded is empty entirely.
func ValidateChallengeType(typeID string, loaded map[string]CTD) (CTD, error) {
	if len(loaded) == 0 {
		return CTD{}, imerrors.Wrap(imerrors.ErrMissingCTD, "no challenge type definitions loaded")
	}
	ctd, ok := loaded[typeID]
	if !ok {
		return CTD{}, imerrors.Wrapf(imerrors.ErrUnknownChallengeType, "no CTD loaded for type %q", typeID)
	}
	return ctd, nil
}
