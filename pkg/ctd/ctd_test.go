package ctd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func sampleContext() InstanceContext {
	return BuildInstanceContext(
		"demo-1", "edurange.example.com", "user-1", "comp-1",
		"flag{abc123}", "flag-secret-demo-1", "https://k8s.local", "tok-xyz",
		`[]`, nil,
	)
}

// S5 — Template substitution fixed point: re-substituting an already fully
// resolved string leaves it unchanged.
func TestSubstituteIsFixedPoint(t *testing.T) {
	ctx := sampleContext()
	s := "https://{{INSTANCE_NAME}}.{{DOMAIN}}/terminal?user={{USER_ID}}"
	if !SubstituteIsFixedPoint(s, ctx) {
		t.Fatal("expected substitution to reach a fixed point")
	}
	resolved := Substitute(s, ctx, nil)
	if resolved != "https://demo-1.edurange.example.com/terminal?user=user-1" {
		t.Fatalf("unexpected substitution result: %q", resolved)
	}
}

func TestSubstituteLeavesUnresolvedPlaceholders(t *testing.T) {
	ctx := sampleContext()
	s := "{{UNKNOWN_VAR}}"
	got := Substitute(s, ctx, nil)
	if got != s {
		t.Fatalf("expected unresolved placeholder left as-is, got %q", got)
	}
}

// S6 — typeConfig override: an extensionPoint whose key is present in the
// CDF typeConfig overrides the target container's image.
func TestApplyTypeConfigOverridesImage(t *testing.T) {
	pods := []PodTemplate{{
		Name: "{{INSTANCE_NAME}}-pod",
		Containers: []ContainerSpec{
			{Name: "challenge", Image: "base:latest"},
		},
	}}
	ctdDef := CTD{
		ExtensionPoints: map[string]ExtensionPoint{
			"customImage": {Container: "challenge", Property: "image"},
		},
	}
	typeConfig := map[string]ExtensionOverride{
		"customImage": {Image: "custom:v2"},
	}

	result := ApplyTypeConfigOverrides(pods, ctdDef, typeConfig, nil)
	if result[0].Containers[0].Image != "custom:v2" {
		t.Fatalf("expected overridden image, got %q", result[0].Containers[0].Image)
	}
}

func TestApplyTypeConfigOverridesEnvUpdateAndAppend(t *testing.T) {
	pods := []PodTemplate{{
		Containers: []ContainerSpec{
			{Name: "challenge", Env: []EnvVar{{Name: "MODE", Value: "default"}}},
		},
	}}
	ctdDef := CTD{
		ExtensionPoints: map[string]ExtensionPoint{
			"envOverride": {Container: "challenge", Property: "env"},
		},
	}
	typeConfig := map[string]ExtensionOverride{
		"envOverride": {Env: []EnvVar{
			{Name: "MODE", Value: "hard"},
			{Name: "EXTRA", Value: "1"},
		}},
	}

	result := ApplyTypeConfigOverrides(pods, ctdDef, typeConfig, nil)
	env := result[0].Containers[0].Env
	if len(env) != 2 {
		t.Fatalf("expected 2 env entries after merge, got %d: %+v", len(env), env)
	}
	values := map[string]string{}
	for _, e := range env {
		values[e.Name] = e.Value
	}
	if values["MODE"] != "hard" || values["EXTRA"] != "1" {
		t.Fatalf("unexpected merged env: %+v", values)
	}
}

func TestApplyTypeConfigOverridesUnsupportedPathSkipped(t *testing.T) {
	pods := []PodTemplate{{
		Containers: []ContainerSpec{{Name: "challenge", Image: "base:latest"}},
	}}
	ctdDef := CTD{
		ExtensionPoints: map[string]ExtensionPoint{
			"weird": {Container: "challenge", Property: "volumeMounts"},
		},
	}
	typeConfig := map[string]ExtensionOverride{"weird": {Image: "ignored:v1"}}

	result := ApplyTypeConfigOverrides(pods, ctdDef, typeConfig, nil)
	if result[0].Containers[0].Image != "base:latest" {
		t.Fatalf("expected unsupported path to be a no-op, got %q", result[0].Containers[0].Image)
	}
}

func TestBuildAppsConfigWithQuestionsPrependsPrompt(t *testing.T) {
	cdf := CDF{
		Metadata: Metadata{Name: "Demo Challenge", Description: "Find the flag"},
		Components: []Component{
			{Kind: ComponentQuestion, ID: "q1", QuestionType: "text", Prompt: "What is X?", Points: 10},
			{Kind: ComponentQuestion, ID: "q2", QuestionType: "flag", Prompt: "Submit the flag", Points: 90, Answer: "should-be-omitted"},
			{Kind: ComponentWebOSApp, ID: "terminal", Title: "Terminal"},
		},
	}

	blob, err := BuildAppsConfig(cdf, "flag-secret-demo")
	if err != nil {
		t.Fatalf("BuildAppsConfig() error: %v", err)
	}

	var apps []map[string]any
	if err := json.Unmarshal([]byte(blob), &apps); err != nil {
		t.Fatalf("unmarshal apps config: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("expected prompt app + 1 webosApp, got %d entries", len(apps))
	}
	if apps[0]["id"] != "challenge-prompt" {
		t.Fatalf("expected challenge-prompt first, got %v", apps[0]["id"])
	}
	if apps[0]["description"] != "Find the flag" {
		t.Fatalf("expected prompt app description from cdf.Metadata.Description, got %v", apps[0]["description"])
	}
	if apps[1]["id"] != "terminal" {
		t.Fatalf("expected terminal app second, got %v", apps[1]["id"])
	}
}

func TestCacheUploadGetDelete(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir)
	if err != nil {
		t.Fatalf("NewCache() error: %v", err)
	}

	ctdDef := CTD{
		Pods: []PodTemplate{{Name: "p", Containers: []ContainerSpec{{Name: "c", Image: "x"}}}},
	}
	isUpdate, err := cache.Upload("webapp", ctdDef, nil)
	if err != nil {
		t.Fatalf("Upload() error: %v", err)
	}
	if isUpdate {
		t.Fatal("expected first upload to not be an update")
	}

	got, ok := cache.Get("webapp")
	if !ok || got.TypeID != "webapp" {
		t.Fatalf("expected cached CTD for webapp, got %+v ok=%v", got, ok)
	}

	if _, err := os.Stat(filepath.Join(dir, "webapp.ctd.json")); err != nil {
		t.Fatalf("expected CTD file on disk: %v", err)
	}

	isUpdate, err = cache.Upload("webapp", ctdDef, nil)
	if err != nil {
		t.Fatalf("second Upload() error: %v", err)
	}
	if !isUpdate {
		t.Fatal("expected second upload to be an update")
	}

	if err := cache.Delete("webapp"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, ok := cache.Get("webapp"); ok {
		t.Fatal("expected webapp to be gone from cache after delete")
	}
}

func TestResolveEmitsConfigMapAndSecretFromComponents(t *testing.T) {
	ctdDef := CTD{
		Pods: []PodTemplate{{
			Name:       "web",
			Containers: []ContainerSpec{{Name: "app", Image: "example/app:latest"}},
		}},
	}
	cdf := CDF{
		Metadata: Metadata{ChallengeType: "web-basic"},
		Components: []Component{
			{Kind: ComponentConfigMap, Name: "app-config", Data: map[string]string{"host": "{{INSTANCE_NAME}}.{{DOMAIN}}"}},
			{Kind: ComponentSecret, Name: "app-secret", Data: map[string]string{"flag": "{{FLAG}}"}},
			{Kind: ComponentWebOSApp, ID: "terminal"},
		},
	}

	objects, err := Resolve(ctdDef, cdf, sampleContext(), nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	var foundConfigMap, foundSecret bool
	for _, obj := range objects {
		switch obj.Kind {
		case "ConfigMap":
			foundConfigMap = true
			if obj.Name != "app-config" {
				t.Errorf("configmap name = %q", obj.Name)
			}
			var data map[string]string
			if err := json.Unmarshal(obj.Spec, &data); err != nil {
				t.Fatalf("unmarshal configmap spec: %v", err)
			}
			if data["host"] != "demo-1.edurange.example.com" {
				t.Errorf("configmap host = %q, want substituted value", data["host"])
			}
		case "Secret":
			foundSecret = true
			if obj.Name != "app-secret" {
				t.Errorf("secret name = %q", obj.Name)
			}
			var data map[string]string
			if err := json.Unmarshal(obj.Spec, &data); err != nil {
				t.Fatalf("unmarshal secret spec: %v", err)
			}
			if data["flag"] != "flag{abc123}" {
				t.Errorf("secret flag = %q, want substituted value", data["flag"])
			}
		}
	}
	if !foundConfigMap {
		t.Error("expected a ConfigMap resolved object")
	}
	if !foundSecret {
		t.Error("expected a Secret resolved object")
	}
}

func TestValidateChallengeTypeUnknown(t *testing.T) {
	loaded := map[string]CTD{"known": {}}
	if _, err := ValidateChallengeType("missing", loaded); err == nil {
		t.Fatal("expected error for unknown challenge type")
	}
}

func TestValidateChallengeTypeNoneLoaded(t *testing.T) {
	if _, err := ValidateChallengeType("anything", map[string]CTD{}); err == nil {
		t.Fatal("expected error when no CTDs are loaded at all")
	}
}
