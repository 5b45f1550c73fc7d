package api

import (
	"net/http"

	"github.com/edurange/instance-manager/internal/httpserver"
	"github.com/edurange/instance-manager/pkg/k8sadapter"
)

type podSummary struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Status    k8sadapter.Status `json:"status"`
	Labels    map[string]string `json:"labels"`
}

// handleListChallengePods implements GET /list-challenge-pods.
func (a *API) handleListChallengePods(w http.ResponseWriter, r *http.Request) {
	if a.k8s == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "kubernetes_unavailable", "no Kubernetes cluster configured")
		return
	}

	pods, err := a.k8s.ListChallengePods(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	out := make([]podSummary, 0, len(pods))
	for _, pod := range pods {
		out = append(out, podSummary{
			Name:      pod.Name,
			Namespace: pod.Namespace,
			Status:    k8sadapter.PodStatus(&pod),
			Labels:    pod.Labels,
		})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"pods": out})
}

type podStatusResponse struct {
	Name   string            `json:"name"`
	Status k8sadapter.Status `json:"status"`
}

// handleGetPodStatus implements GET /get-pod-status?namespace=&name=.
func (a *API) handleGetPodStatus(w http.ResponseWriter, r *http.Request) {
	if a.k8s == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "kubernetes_unavailable", "no Kubernetes cluster configured")
		return
	}

	ns := r.URL.Query().Get("namespace")
	name := r.URL.Query().Get("name")
	if ns == "" {
		ns = a.cfg.Namespace
	}
	if name == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}

	pod, err := a.k8s.GetPod(r.Context(), ns, name)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, podStatusResponse{
		Name:   pod.Name,
		Status: k8sadapter.PodStatus(pod),
	})
}

type getSecretRequest struct {
	Namespace string `json:"namespace" validate:"required,dns_label"`
	Name      string `json:"name" validate:"required,instance_name"`
	Key       string `json:"key" validate:"required"`
}

// handleGetSecret implements POST /get-secret, reading one key out of a
// Kubernetes secret (used by callers resolving a previously provisioned
// flag or credential).
func (a *API) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	if a.k8s == nil {
		httpserver.RespondError(w, http.StatusServiceUnavailable, "kubernetes_unavailable", "no Kubernetes cluster configured")
		return
	}

	var req getSecretRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	value, err := a.k8s.GetSecretValue(r.Context(), req.Namespace, req.Name, req.Key)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]string{"value": value})
}
