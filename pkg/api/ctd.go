package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	imerrors "github.com/edurange/instance-manager/internal/errors"
	"github.com/edurange/instance-manager/internal/httpserver"
	"github.com/edurange/instance-manager/pkg/ctd"
)

// handleChallengeTypes implements GET /challenge-types, listing every
// loaded CTD type_id and schema version.
func (a *API) handleChallengeTypes(w http.ResponseWriter, r *http.Request) {
	all := a.ctds.All()
	out := make([]map[string]string, 0, len(all))
	for typeID, t := range all {
		out = append(out, map[string]string{"type_id": typeID, "schema_version": t.SchemaVersion})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"challenge_types": out})
}

// cdfSchema is a static JSON Schema (draft 2020-12) document describing the
// Challenge Definition Format, served as-is so callers can validate a CDF
// client-side before submitting it to /start-challenge.
const cdfSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Challenge Definition Format",
  "type": "object",
  "required": ["metadata", "components"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["id", "name", "challenge_type"],
      "properties": {
        "id": {"type": "string"},
        "name": {"type": "string"},
        "challenge_type": {"type": "string"},
        "difficulty": {"type": "string"},
        "description": {"type": "string"}
      }
    },
    "components": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"type": "string", "enum": ["webosApp", "question", "container", "configMap", "secret"]}
        }
      }
    },
    "typeConfig": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "image": {"type": "string"},
          "env": {"type": "array", "items": {"type": "object", "properties": {"name": {"type": "string"}, "value": {"type": "string"}}}}
        }
      }
    },
    "variables": {
      "type": "object",
      "additionalProperties": {"type": "string", "maxLength": 1000}
    },
    "templates": {"type": "array", "items": {"type": "string"}}
  }
}`

// handleSchema implements GET /schema.
func (a *API) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(cdfSchema))
}

// maxUploadSize bounds the accepted multipart body for /upload-ctd.
const maxUploadSize = 10 << 20 // 10 MiB

// handleUploadCTD implements POST /upload-ctd: a multipart form carrying a
// "type_id" field, a "ctd" JSON file, and an optional "bundle" zip of
// supporting files (configs, webpage assets) unpacked alongside it.
func (a *API) handleUploadCTD(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "request body too large or not multipart")
		return
	}

	typeID := r.FormValue("type_id")
	if !isDNSLabel(typeID) {
		httpserver.RespondError(w, http.StatusBadRequest, "validation", "type_id must be a DNS label")
		return
	}

	ctdFile, _, err := r.FormFile("ctd")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "ctd file is required")
		return
	}
	defer ctdFile.Close()

	ctdBytes, err := io.ReadAll(io.LimitReader(ctdFile, maxUploadSize))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed reading ctd file")
		return
	}

	var doc ctd.CTD
	if err := json.Unmarshal(ctdBytes, &doc); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "ctd file is not valid JSON")
		return
	}

	supporting := map[string][]byte{}
	if bundleFile, _, err := r.FormFile("bundle"); err == nil {
		defer bundleFile.Close()
		bundleBytes, err := io.ReadAll(io.LimitReader(bundleFile, maxUploadSize))
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed reading bundle file")
			return
		}
		zr, err := zip.NewReader(bytes.NewReader(bundleBytes), int64(len(bundleBytes)))
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "bundle is not a valid zip archive")
			return
		}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "bundle entry unreadable: "+f.Name)
				return
			}
			content, err := io.ReadAll(io.LimitReader(rc, maxUploadSize))
			rc.Close()
			if err != nil {
				httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "bundle entry too large: "+f.Name)
				return
			}
			supporting[f.Name] = content
		}
	}

	isUpdate, err := a.ctds.Upload(typeID, doc, supporting)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, imerrors.ErrValidation.Kind, err.Error())
		return
	}

	status := http.StatusCreated
	if isUpdate {
		status = http.StatusOK
	}
	httpserver.Respond(w, status, map[string]any{"success": true, "type_id": typeID, "updated": isUpdate})
}

// handleDeleteCTD implements DELETE /upload-ctd/{typeID}, removing a
// challenge type definition and its supporting files.
func (a *API) handleDeleteCTD(w http.ResponseWriter, r *http.Request) {
	typeID := chi.URLParam(r, "typeID")
	if !isDNSLabel(typeID) {
		httpserver.RespondError(w, http.StatusBadRequest, "validation", "type_id must be a DNS label")
		return
	}
	if err := a.ctds.Delete(typeID); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"success": true, "type_id": typeID})
}
