package k8sadapter

import "strings"

// maxLabelLength is the Kubernetes DNS-label value length limit.
const maxLabelLength = 63

// SanitizeLabel converts an arbitrary identifier into DNS-label form:
// lowercase, restricted to [a-z0-9._-], non-empty, truncated to 63 chars.
// Falls back to "unknown" if the result would be empty, per spec.md §4.7.
func SanitizeLabel(raw string) string {
	lower := strings.ToLower(raw)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-._")
	if len(s) > maxLabelLength {
		s = strings.Trim(s[:maxLabelLength], "-._")
	}
	if s == "" {
		return "unknown"
	}
	return s
}

// InstanceLabels builds the standard label set applied to every object
// created for one challenge instance, per spec.md §4.6 step 5.
func InstanceLabels(instance, user, competitionID, challengeType, challengeName string) map[string]string {
	return map[string]string{
		"app":            "ctfchal",
		"instance":       SanitizeLabel(instance),
		"user":           SanitizeLabel(user),
		"competition_id": SanitizeLabel(competitionID),
		"challenge_type": SanitizeLabel(challengeType),
		"challenge_name": SanitizeLabel(challengeName),
	}
}
