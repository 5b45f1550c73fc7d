package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/pkg/ctd"
	"github.com/edurange/instance-manager/pkg/k8sadapter"
	"github.com/edurange/instance-manager/pkg/lock"
	"github.com/edurange/instance-manager/pkg/queue"
)

// sqlInjectionChallengeType is the CDF challenge_type value that triggers
// the extra database-credentials secret, per original_source/challenges.py.
const sqlInjectionChallengeType = "sql_injection"

const passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// generatePassword produces an n-character random alphanumeric password,
// matching original_source's random.choices(ascii_letters + digits).
func generatePassword(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}

// deployTaskPayload is the JSON shape enqueued by pkg/api's
// handleStartChallenge.
type deployTaskPayload struct {
	ChallengeID    string          `json:"challenge_id"`
	UserID         string          `json:"user_id"`
	CDFContent     json.RawMessage `json:"cdf_content"`
	CompetitionID  string          `json:"competition_id"`
	DeploymentName string          `json:"deployment_name"`
}

// generateFlag produces a random CTF flag in the conventional flag{...}
// form.
func generateFlag() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating flag: %w", err)
	}
	return fmt.Sprintf("flag{%s}", hex.EncodeToString(buf)), nil
}

// newDeployHandler returns a dispatcher.ChallengeHandler that resolves a
// CDF against its CTD, generates a per-instance flag, and applies the
// resulting objects to Kubernetes, per spec.md §4.6.
func newDeployHandler(cfg *deps) func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var payload deployTaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, imerrors.Wrapf(imerrors.ErrValidation, "decoding deploy payload: %v", err)
		}

		return lock.WithChallengeLock(cfg.locks, func() (string, bool) {
			if payload.DeploymentName != "" {
				return payload.DeploymentName, true
			}
			return payload.ChallengeID, payload.ChallengeID != ""
		}, lock.CategoryDeployment, true, func(ctx context.Context) (json.RawMessage, error) {
			return cfg.runDeploy(ctx, payload)
		})
	}
}

func (d *deps) runDeploy(ctx context.Context, payload deployTaskPayload) (json.RawMessage, error) {
	var cdf ctd.CDF
	if err := json.Unmarshal(payload.CDFContent, &cdf); err != nil {
		return nil, imerrors.Wrapf(imerrors.ErrValidation, "decoding cdf_content: %v", err)
	}

	typeDef, err := ctd.ValidateChallengeType(cdf.Metadata.ChallengeType, d.ctds.All())
	if err != nil {
		return nil, err
	}

	instanceName := payload.DeploymentName
	flag, err := generateFlag()
	if err != nil {
		return nil, err
	}
	flagSecretName := instanceName + "-flag"

	appsConfig, err := ctd.BuildAppsConfig(cdf, flagSecretName)
	if err != nil {
		return nil, fmt.Errorf("building apps config: %w", err)
	}

	extra := make(map[string]string, len(cdf.Variables)+3)
	for k, v := range cdf.Variables {
		extra[k] = v
	}

	var dbSecretName, dbPassword, dbRootPassword string
	if cdf.Metadata.ChallengeType == sqlInjectionChallengeType {
		dbSecretName = "db-secret-" + instanceName
		dbPassword, err = generatePassword(12)
		if err != nil {
			return nil, err
		}
		dbRootPassword, err = generatePassword(16)
		if err != nil {
			return nil, err
		}
		extra["DB_SECRET_NAME"] = dbSecretName
		extra["RANDOM_PASSWORD"] = dbPassword
		extra["RANDOM_ROOT_PASSWORD"] = dbRootPassword
	}

	instCtx := ctd.BuildInstanceContext(
		instanceName, d.cfg.Domain, payload.UserID, payload.CompetitionID,
		flag, flagSecretName, "", "", appsConfig, extra,
	)

	objects, err := ctd.Resolve(typeDef, cdf, instCtx, d.logger)
	if err != nil {
		return nil, fmt.Errorf("resolving challenge objects: %w", err)
	}

	labels := k8sadapter.InstanceLabels(instanceName, payload.UserID, payload.CompetitionID, cdf.Metadata.ChallengeType, cdf.Metadata.Name)

	if d.k8s == nil {
		return nil, imerrors.Wrap(imerrors.ErrDeploymentFailure, "no kubernetes cluster configured")
	}

	if err := d.applyFlagSecret(ctx, flagSecretName, flag, labels); err != nil {
		return nil, err
	}

	if dbSecretName != "" {
		dbData := map[string]string{"password": dbPassword, "root_password": dbRootPassword}
		if _, err := d.k8s.CreateSecret(ctx, k8sadapter.BuildSecret(dbSecretName, dbData, labels)); err != nil {
			return nil, err
		}
	}

	svcPorts := map[string]int32{}
	for _, obj := range objects {
		if err := d.applyObject(ctx, obj, labels, svcPorts); err != nil {
			_ = d.k8s.DeleteByInstance(ctx, instanceName)
			return nil, err
		}
	}

	resultFields := map[string]any{
		"success":       true,
		"instance_name": instanceName,
		"flag_secret":   flagSecretName,
	}
	if dbSecretName != "" {
		resultFields["db_secret"] = dbSecretName
	}
	result, _ := json.Marshal(resultFields)
	return result, nil
}

func (d *deps) applyFlagSecret(ctx context.Context, name, flag string, labels map[string]string) error {
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels},
		StringData: map[string]string{"flag": flag},
	}
	_, err := d.k8s.CreateSecret(ctx, secret)
	return err
}

func (d *deps) applyObject(ctx context.Context, obj ctd.ResolvedObject, labels map[string]string, svcPorts map[string]int32) error {
	switch obj.Kind {
	case "Pod":
		var tmpl ctd.PodTemplate
		if err := json.Unmarshal(obj.Spec, &tmpl); err != nil {
			return fmt.Errorf("decoding pod %s: %w", obj.Name, err)
		}
		pod := k8sadapter.BuildPod(tmpl, labels)
		_, err := d.k8s.CreatePod(ctx, pod)
		return err

	case "Service":
		var svc ctd.ServiceSpec
		if err := json.Unmarshal(obj.Spec, &svc); err != nil {
			return fmt.Errorf("decoding service %s: %w", obj.Name, err)
		}
		if len(svc.Ports) > 0 {
			svcPorts[svc.Name] = svc.Ports[0]
		}
		_, err := d.k8s.CreateService(ctx, k8sadapter.BuildService(svc, labels))
		return err

	case "Ingress":
		var ing ctd.IngressSpec
		if err := json.Unmarshal(obj.Spec, &ing); err != nil {
			return fmt.Errorf("decoding ingress %s: %w", obj.Name, err)
		}
		var port int32 = 80
		for _, p := range svcPorts {
			port = p
			break
		}
		_, err := d.k8s.CreateIngress(ctx, k8sadapter.BuildIngress(ing, ing.Name, port, labels))
		return err

	case "NetworkPolicy":
		var np ctd.NetworkPolicySpec
		if err := json.Unmarshal(obj.Spec, &np); err != nil {
			return fmt.Errorf("decoding network policy %s: %w", obj.Name, err)
		}
		_, err := d.k8s.CreateNetworkPolicy(ctx, k8sadapter.BuildNetworkPolicy(np, labels))
		return err

	case "ConfigMap":
		var data map[string]string
		if err := json.Unmarshal(obj.Spec, &data); err != nil {
			return fmt.Errorf("decoding config map %s: %w", obj.Name, err)
		}
		_, err := d.k8s.CreateConfigMap(ctx, k8sadapter.BuildConfigMap(obj.Name, data, labels))
		return err

	case "Secret":
		var data map[string]string
		if err := json.Unmarshal(obj.Spec, &data); err != nil {
			return fmt.Errorf("decoding secret %s: %w", obj.Name, err)
		}
		_, err := d.k8s.CreateSecret(ctx, k8sadapter.BuildSecret(obj.Name, data, labels))
		return err

	default:
		d.logger.Warn("skipping unsupported resolved object kind", "kind", obj.Kind, "name", obj.Name)
		return nil
	}
}

// terminateTaskPayload is the JSON shape enqueued by pkg/api's
// handleEndChallenge.
type terminateTaskPayload struct {
	ChallengeID    string `json:"challenge_id"`
	DeploymentName string `json:"deployment_name"`
}

// newTerminateHandler returns a dispatcher.ChallengeHandler that deletes
// every object labeled for an instance, in the fixed sweep order, per
// spec.md §4.7.
func newTerminateHandler(d *deps) func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	return func(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
		var payload terminateTaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, imerrors.Wrapf(imerrors.ErrValidation, "decoding terminate payload: %v", err)
		}

		return lock.WithChallengeLock(d.locks, func() (string, bool) {
			if payload.DeploymentName != "" {
				return payload.DeploymentName, true
			}
			return payload.ChallengeID, payload.ChallengeID != ""
		}, lock.CategoryTermination, true, func(ctx context.Context) (json.RawMessage, error) {
			instance := payload.DeploymentName
			if instance == "" {
				instance = payload.ChallengeID
			}
			if d.k8s == nil {
				return nil, imerrors.Wrap(imerrors.ErrDeploymentFailure, "no kubernetes cluster configured")
			}
			if err := d.k8s.DeleteByInstance(ctx, instance); err != nil {
				return nil, err
			}
			result, _ := json.Marshal(map[string]any{"success": true, "instance_name": instance})
			return result, nil
		})
	}
}
