package vault

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/httputil"
)

// Handler serves a Memory vault over HTTP so that Client can reach it.
// Every route requires the custody service token as a bearer credential;
// user tokens are never accepted.
type Handler struct {
	vault        *Memory
	serviceToken []byte
}

// NewHandler creates a handler for v. An empty serviceToken rejects every
// request.
func NewHandler(v *Memory, serviceToken string) *Handler {
	return &Handler{vault: v, serviceToken: []byte(serviceToken)}
}

// RegisterRoutes mounts the custody endpoints under /vault.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/vault").Subrouter()
	sub.Use(h.requireService)
	sub.HandleFunc("/allocate", h.allocate).Methods(http.MethodPost)
	sub.HandleFunc("/release", h.release).Methods(http.MethodPost)
	sub.HandleFunc("/transfer", h.transfer).Methods(http.MethodPost)
	sub.HandleFunc("/deposit", h.deposit).Methods(http.MethodPost)
	sub.HandleFunc("/balances/{owner}/{token}", h.balance).Methods(http.MethodGet)
	sub.HandleFunc("/allocations/{id:[0-9]+}", h.allocation).Methods(http.MethodGet)
}

func (h *Handler) requireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || len(h.serviceToken) == 0 || subtle.ConstantTimeCompare([]byte(token), h.serviceToken) != 1 {
			httputil.WriteErrorResponse(w, r, http.StatusForbidden, codeUnauthorized,
				"custody routes require the service token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	h.respond(w, r, h.vault.Allocate(r.Context(), req.Owner, req.Token, req.Amount, req.StreamID))
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	h.respond(w, r, h.vault.Release(r.Context(), req.Owner, req.Token, req.Amount, req.StreamID))
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	h.respond(w, r, h.vault.TransferToReceiver(r.Context(), req.Token, req.Receiver, req.Amount, req.StreamID))
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	h.respond(w, r, h.vault.DepositTokens(r.Context(), req.Owner, req.Token, req.Amount))
}

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, err := stream.ParseActorID(vars["owner"])
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.vault.Balance(owner, vars["token"]))
}

func (h *Handler) allocation(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint(mux.Vars(r)["id"])
	if err != nil {
		httputil.BadRequest(w, "invalid stream id")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"stream_id": id,
		"amount":    h.vault.StreamAllocation(id),
	})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	status := http.StatusConflict
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrPaused):
		status = http.StatusLocked
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
	}
	httputil.WriteErrorResponse(w, r, status, codeFor(err), err.Error(), nil)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
