// Package httpapi exposes the ledger over REST.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/streamflow/internal/accrual"
	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/errors"
	"github.com/R3E-Network/streamflow/internal/httputil"
	"github.com/R3E-Network/streamflow/internal/ledger"
	"github.com/R3E-Network/streamflow/internal/logging"
)

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	CreateStream(ctx context.Context, caller stream.ActorID, req ledger.CreateStreamRequest) (uint64, error)
	UpdateStream(ctx context.Context, caller stream.ActorID, id uint64, newRate amount.Amount) error
	PauseStream(ctx context.Context, caller stream.ActorID, id uint64) error
	ResumeStream(ctx context.Context, caller stream.ActorID, id uint64) error
	StopStream(ctx context.Context, caller stream.ActorID, id uint64) error
	DepositToStream(ctx context.Context, caller stream.ActorID, id uint64, amt amount.Amount) error
	WithdrawFromStream(ctx context.Context, caller stream.ActorID, id uint64) (amount.Amount, error)
	LiquidateStream(ctx context.Context, caller stream.ActorID, id uint64) error
	SetVaultAddress(ctx context.Context, caller stream.ActorID, address string) error

	GetStream(ctx context.Context, id uint64) (stream.Stream, error)
	GetWithdrawableBalance(ctx context.Context, id uint64) (amount.Amount, error)
	GetRemainingBuffer(ctx context.Context, id uint64) (amount.Amount, error)
	GetSnapshot(ctx context.Context, id uint64) (accrual.Snapshot, error)
	GetStreamsBySender(ctx context.Context, sender stream.ActorID) ([]uint64, error)
	GetStreamsByReceiver(ctx context.Context, receiver stream.ActorID) ([]uint64, error)
	TotalStreams(ctx context.Context) (uint64, error)
	ActiveStreams(ctx context.Context) (uint64, error)
	GetConfig(ctx context.Context) (stream.Config, error)
	Now() uint64
}

// Handler serves the stream and admin routes.
type Handler struct {
	ledger   Ledger
	decimals func(token string) uint8
	logger   *logging.Logger
	validate *validator.Validate
}

// NewHandler builds a Handler. decimals may be nil, in which case amounts are
// displayed in base units.
func NewHandler(l Ledger, decimals func(token string) uint8, logger *logging.Logger) *Handler {
	if decimals == nil {
		decimals = func(string) uint8 { return 0 }
	}
	return &Handler{
		ledger:   l,
		decimals: decimals,
		logger:   logger,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the API on router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/streams", h.createStream).Methods(http.MethodPost)

	s := router.PathPrefix("/streams").Subrouter()
	s.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	s.HandleFunc("/total", h.totalStreams).Methods(http.MethodGet)
	s.HandleFunc("/active", h.activeStreams).Methods(http.MethodGet)
	s.HandleFunc("/sender/{actor}", h.streamsBySender).Methods(http.MethodGet)
	s.HandleFunc("/receiver/{actor}", h.streamsByReceiver).Methods(http.MethodGet)
	s.HandleFunc("/{id:[0-9]+}", h.getStream).Methods(http.MethodGet)
	s.HandleFunc("/{id:[0-9]+}", h.updateStream).Methods(http.MethodPut)
	s.HandleFunc("/{id:[0-9]+}/balance", h.getBalance).Methods(http.MethodGet)
	s.HandleFunc("/{id:[0-9]+}/buffer", h.getBuffer).Methods(http.MethodGet)
	s.HandleFunc("/{id:[0-9]+}/snapshot", h.getSnapshot).Methods(http.MethodGet)
	s.HandleFunc("/{id:[0-9]+}/pause", h.lifecycle(h.ledger.PauseStream)).Methods(http.MethodPost)
	s.HandleFunc("/{id:[0-9]+}/resume", h.lifecycle(h.ledger.ResumeStream)).Methods(http.MethodPost)
	s.HandleFunc("/{id:[0-9]+}/stop", h.lifecycle(h.ledger.StopStream)).Methods(http.MethodPost)
	s.HandleFunc("/{id:[0-9]+}/liquidate", h.lifecycle(h.ledger.LiquidateStream)).Methods(http.MethodPost)
	s.HandleFunc("/{id:[0-9]+}/deposit", h.deposit).Methods(http.MethodPost)
	s.HandleFunc("/{id:[0-9]+}/withdraw", h.withdraw).Methods(http.MethodPost)

	router.HandleFunc("/admin/vault", h.setVaultAddress).Methods(http.MethodPut)
}

type createStreamRequest struct {
	Receiver       string        `json:"receiver" validate:"required,max=128"`
	Token          string        `json:"token" validate:"required,max=64"`
	FlowRate       amount.Amount `json:"flow_rate"`
	InitialDeposit amount.Amount `json:"initial_deposit"`
}

type updateStreamRequest struct {
	FlowRate amount.Amount `json:"flow_rate"`
}

type depositRequest struct {
	Amount amount.Amount `json:"amount"`
}

type vaultAddressRequest struct {
	Address string `json:"address" validate:"required,max=256"`
}

func (h *Handler) createStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req createStreamRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.ledger.CreateStream(r.Context(), stream.ActorID(caller), ledger.CreateStreamRequest{
		Receiver:       stream.ActorID(req.Receiver),
		Token:          req.Token,
		FlowRate:       req.FlowRate,
		InitialDeposit: req.InitialDeposit,
	})
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeStream(w, r, http.StatusCreated, id)
}

func (h *Handler) updateStream(w http.ResponseWriter, r *http.Request) {
	caller, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	var req updateStreamRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.ledger.UpdateStream(r.Context(), stream.ActorID(caller), id, req.FlowRate); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeStream(w, r, http.StatusOK, id)
}

// lifecycle adapts the body-less transitions.
func (h *Handler) lifecycle(op func(context.Context, stream.ActorID, uint64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := httputil.RequireUserID(w, r)
		if !ok {
			return
		}
		id, ok := streamID(w, r)
		if !ok {
			return
		}
		if err := op(r.Context(), stream.ActorID(caller), id); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		h.writeStream(w, r, http.StatusOK, id)
	}
}

func (h *Handler) deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.ledger.DepositToStream(r.Context(), stream.ActorID(caller), id, req.Amount); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.writeStream(w, r, http.StatusOK, id)
}

func (h *Handler) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	id, ok := streamID(w, r)
	if !ok {
		return
	}

	paid, err := h.ledger.WithdrawFromStream(r.Context(), stream.ActorID(caller), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	rec, err := h.ledger.GetStream(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, amountResponse{
		StreamID: id,
		Token:    rec.Token,
		Amount:   paid,
		Display:  paid.Format(h.decimals(rec.Token)),
		At:       h.ledger.Now(),
	})
}

func (h *Handler) setVaultAddress(w http.ResponseWriter, r *http.Request) {
	caller, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req vaultAddressRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.ledger.SetVaultAddress(r.Context(), stream.ActorID(caller), req.Address); err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	h.getConfig(w, r)
}

func (h *Handler) getStream(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	h.writeStream(w, r, http.StatusOK, id)
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	h.writeAmount(w, r, h.ledger.GetWithdrawableBalance)
}

func (h *Handler) getBuffer(w http.ResponseWriter, r *http.Request) {
	h.writeAmount(w, r, h.ledger.GetRemainingBuffer)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	snap, err := h.ledger.GetSnapshot(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (h *Handler) streamsBySender(w http.ResponseWriter, r *http.Request) {
	h.writeIDs(w, r, h.ledger.GetStreamsBySender)
}

func (h *Handler) streamsByReceiver(w http.ResponseWriter, r *http.Request) {
	h.writeIDs(w, r, h.ledger.GetStreamsByReceiver)
}

func (h *Handler) totalStreams(w http.ResponseWriter, r *http.Request) {
	h.writeCount(w, r, h.ledger.TotalStreams)
}

func (h *Handler) activeStreams(w http.ResponseWriter, r *http.Request) {
	h.writeCount(w, r, h.ledger.ActiveStreams)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.ledger.GetConfig(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cfg)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if !httputil.DecodeJSON(w, r, v) {
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		se := errors.InvalidArgument("Request validation failed")
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				se = se.WithDetails(fe.Field(), fe.Tag())
			}
		}
		httputil.WriteError(w, r, se)
		return false
	}
	return true
}

func streamID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		httputil.WriteError(w, r, errors.InvalidFormat("id", "positive integer"))
		return 0, false
	}
	return id, true
}
