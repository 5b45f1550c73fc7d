package api

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edurange/instance-manager/internal/httpserver"
)

var dnsLabelPattern = regexp.MustCompile(`^[a-z]([-a-z0-9]*[a-z0-9])?$`)
var templateKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// commandBlacklist rejects shell metacharacters and a short list of
// dangerous binaries, per spec.md §6's validator table. The core never
// shells out, but names that flow into K8s object specs are checked
// defensively at the API boundary regardless.
var shellMetaChars = []string{";", "|", "&", "$", ">", "<", "`", "\n", "\r", "\\"}
var dangerousBinaries = map[string]bool{
	"rm": true, "curl": true, "wget": true, "nc": true, "bash": true,
	"sh": true, "eval": true, "exec": true, "dd": true, "mkfs": true,
}

func init() {
	httpserver.RegisterValidation("dns_label", validateDNSLabel)
	httpserver.RegisterValidation("instance_name", validateInstanceName)
	httpserver.RegisterValidation("no_shell_meta", validateNoShellMeta)
	httpserver.RegisterValidation("flag_body", validateFlagBody)
	httpserver.RegisterValidation("template_key", validateTemplateKey)
	httpserver.RegisterValidation("template_value", validateTemplateValue)
}

func validateDNSLabel(fl validator.FieldLevel) bool {
	return isDNSLabel(fl.Field().String())
}

func isDNSLabel(s string) bool {
	return len(s) > 0 && len(s) <= 63 && dnsLabelPattern.MatchString(s)
}

// validateInstanceName accepts either a DNS label or an RFC-4122 UUID, per
// spec.md §6 ("instance/pod names are DNS-labels ... or RFC-4122 UUIDs").
func validateInstanceName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if isDNSLabel(s) {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func validateNoShellMeta(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	for _, meta := range shellMetaChars {
		if strings.Contains(s, meta) {
			return false
		}
	}
	return !dangerousBinaries[strings.ToLower(strings.TrimSpace(s))]
}

// validateFlagBody enforces the ≤1000 byte flag-string limit.
func validateFlagBody(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= 1000
}

func validateTemplateKey(fl validator.FieldLevel) bool {
	return templateKeyPattern.MatchString(fl.Field().String())
}

// validateTemplateValue enforces the ≤1000 byte limit and rejects composite
// (JSON object/array-shaped) values, per spec.md §6.
func validateTemplateValue(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) > 1000 {
		return false
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return false
	}
	return true
}
