package ctd

import (
	"fmt"
	"log/slog"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.]+)\}\}`)

// Substitute replaces every {{NAME}} placeholder in s with context[NAME].
// The composite pair {{INSTANCE_NAME}}.{{DOMAIN}} is replaced as a unit by
// context["INSTANCE_NAME.DOMAIN"] before generic substitution runs, per
// spec.md §4.6. Unresolved names are left as-is and logged, never fatal.
func Substitute(s string, ctx InstanceContext, logger *slog.Logger) string {
	if v, ok := ctx["INSTANCE_NAME.DOMAIN"]; ok {
		s = regexp.MustCompile(`\{\{INSTANCE_NAME\}\}\.\{\{DOMAIN\}\}`).ReplaceAllString(s, v)
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if v, ok := ctx[name]; ok {
			return v
		}
		if logger != nil {
			logger.Warn("unresolved template placeholder", "name", name)
		}
		return match
	})
}

// SubstituteIsFixedPoint reports whether re-substituting s against ctx
// yields the same string — true once every placeholder context contains has
// been resolved. Used by scenario S5 (template substitution fixed point).
func SubstituteIsFixedPoint(s string, ctx InstanceContext) bool {
	once := Substitute(s, ctx, nil)
	twice := Substitute(once, ctx, nil)
	return once == twice
}

// BuildInstanceContext assembles the Resolved Instance Context for one
// deployment.
func BuildInstanceContext(instanceName, domain, userID, competitionID, flag, flagSecretName, kubernetesHost, kubernetesToken, appsConfigJSON string, extra map[string]string) InstanceContext {
	ctx := InstanceContext{
		"INSTANCE_NAME":        instanceName,
		"DOMAIN":               domain,
		"INSTANCE_NAME.DOMAIN": fmt.Sprintf("%s.%s", instanceName, domain),
		"USER_ID":              userID,
		"COMPETITION_ID":       competitionID,
		"FLAG":                 flag,
		"FLAG_SECRET_NAME":     flagSecretName,
		"KUBERNETES_HOST":      kubernetesHost,
		"KUBERNETES_TOKEN":     kubernetesToken,
		"APPS_CONFIG":          appsConfigJSON,
	}
	for k, v := range extra {
		ctx[k] = v
	}
	return ctx
}
