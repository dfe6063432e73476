package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/medhive/flcoordinator/internal/errs"
	"github.com/medhive/flcoordinator/internal/fl"
)

type registerRequest struct {
	ClientID      string           `json:"clientId" validate:"required"`
	ModelKind     string           `json:"modelKind" validate:"required"`
	DeviceProfile fl.DeviceProfile `json:"deviceProfile"`
}

type registerResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	client, err := s.clients.Register(req.ClientID, req.ModelKind, req.DeviceProfile, time.Now())
	if err != nil {
		writeAPIError(w, err)
		return
	}

	token, err := s.crypto.IssueToken(client.ID, "client", 24*time.Hour)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{Token: token})
}

type availableRound struct {
	RoundID     string    `json:"roundId"`
	ModelKind   string    `json:"modelKind"`
	RoundNumber int       `json:"roundNumber"`
	InvitedAt   time.Time `json:"invitedAt"`
}

func (s *Server) handleListAvailableRounds(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required", nil)
		return
	}
	modelKind := r.URL.Query().Get("modelKind")

	rounds := s.manager.ListAvailableRounds(clientID, modelKind)
	out := make([]availableRound, 0, len(rounds))
	for _, rd := range rounds {
		out = append(out, availableRound{
			RoundID:     rd.RoundID,
			ModelKind:   rd.ModelKind,
			RoundNumber: rd.RoundNumber,
			InvitedAt:   rd.InvitedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createRoundRequest struct {
	ModelID     string         `json:"modelId" validate:"required"`
	ModelKind   string         `json:"modelKind" validate:"required"`
	RoundNumber int            `json:"roundNumber" validate:"required,min=1"`
	Config      fl.RoundConfig `json:"config" validate:"required"`
}

type createRoundResponse struct {
	RoundID string `json:"roundId"`
}

func (s *Server) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	roundID, err := s.manager.CreateRound(r.Context(), req.ModelID, req.ModelKind, req.RoundNumber, req.Config)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if err := s.manager.SelectClients(roundID); err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createRoundResponse{RoundID: roundID})
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	roundID := mux.Vars(r)["roundId"]
	if err := s.manager.StartRound(roundID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

type joinRoundResponse struct {
	GlobalBlobRef string `json:"globalBlobRef"`
	Blob          []byte `json:"blob"`
}

func (s *Server) handleJoinRound(w http.ResponseWriter, r *http.Request) {
	roundID := mux.Vars(r)["roundId"]
	claims := claimsFromContext(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing claims", nil)
		return
	}

	ref, err := s.manager.Join(roundID, claims.Subject)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	blob, err := s.manager.GetBlob(ref)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, joinRoundResponse{GlobalBlobRef: ref, Blob: blob})
}

// handleGetBlob writes a content-addressed blob by ref as the raw response
// body, so a client holding a ref (e.g. joinRound's globalBlobRef) can fetch
// its bytes again. The blob is decrypted and decompressed into memory in
// full before it is written; the body is not streamed from disk.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["ref"]
	data, err := s.manager.GetBlob(ref)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type uploadModelRequest struct {
	Blob      fl.ModelBlob   `json:"blob" validate:"required"`
	Signature string         `json:"signature" validate:"required"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

func (s *Server) handleUploadModel(w http.ResponseWriter, r *http.Request) {
	roundID := mux.Vars(r)["roundId"]
	claims := claimsFromContext(r)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing claims", nil)
		return
	}

	var req uploadModelRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be base64", err)
		return
	}

	if err := s.manager.UploadModel(r.Context(), roundID, claims.Subject, &req.Blob, signature, req.Metrics); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleGetRoundStatus(w http.ResponseWriter, r *http.Request) {
	roundID := mux.Vars(r)["roundId"]
	status, err := s.manager.GetRoundStatus(roundID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type globalModelResponse struct {
	Version int           `json:"version"`
	Blob    *fl.ModelBlob `json:"blob"`
}

// handleGetGlobalModel implements spec.md §6's getGlobalModel: the
// aggregated result of the most recent completed round for a model kind
// (or an explicit ?version=), falling back to a freshly initialized model
// at version 0 only when no round for that kind has completed yet.
func (s *Server) handleGetGlobalModel(w http.ResponseWriter, r *http.Request) {
	modelKind := mux.Vars(r)["modelKind"]

	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "version must be an integer", err)
			return
		}
		version = v
	}

	data, resolvedVersion, err := s.manager.GetGlobalModel(modelKind, version)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound && version == 0 {
			empty, ierr := s.models.NewEmptyModel(modelKind)
			if ierr != nil {
				writeError(w, http.StatusNotFound, "unknown model kind", ierr)
				return
			}
			writeJSON(w, http.StatusOK, globalModelResponse{Version: 0, Blob: empty})
			return
		}
		writeAPIError(w, err)
		return
	}

	blob, err := fl.DecodeBlob(data)
	if err != nil {
		writeAPIError(w, errs.E("handleGetGlobalModel", errs.Fatal, err))
		return
	}
	writeJSON(w, http.StatusOK, globalModelResponse{Version: resolvedVersion, Blob: blob})
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", err)
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error   string `json:"error"`
	Detail  string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	body := errorBody{Error: message}
	if err != nil {
		body.Detail = err.Error()
	}
	writeJSON(w, status, body)
}

// writeAPIError maps the tagged error-kind taxonomy (spec.md §7) onto HTTP
// status classes.
func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.PreconditionFailed:
		status = http.StatusPreconditionFailed
	case errs.NotEligible:
		status = http.StatusForbidden
	case errs.SignatureInvalid, errs.Unauthorized, errs.NotInitialized:
		status = http.StatusUnauthorized
	case errs.SchemaMismatch:
		status = http.StatusUnprocessableEntity
	case errs.InsufficientCandidates:
		status = http.StatusConflict
	case errs.Transient:
		status = http.StatusServiceUnavailable
	case errs.Fatal:
		status = http.StatusInternalServerError
	}
	writeError(w, status, err.Error(), nil)
}
