package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/streamflow/internal/amount"
	"github.com/R3E-Network/streamflow/internal/domain/stream"
	"github.com/R3E-Network/streamflow/internal/errors"
	"github.com/R3E-Network/streamflow/internal/httputil"
)

type displayAmounts struct {
	FlowRate  string `json:"flow_rate"`
	Deposited string `json:"deposited"`
	Streamed  string `json:"streamed"`
	Withdrawn string `json:"withdrawn"`
}

type streamResponse struct {
	stream.Stream
	Display displayAmounts `json:"display"`
}

type amountResponse struct {
	StreamID uint64        `json:"stream_id"`
	Token    string        `json:"token"`
	Amount   amount.Amount `json:"amount"`
	Display  string        `json:"display"`
	At       uint64        `json:"at"`
}

type idsResponse struct {
	Actor     stream.ActorID `json:"actor"`
	StreamIDs []uint64       `json:"stream_ids"`
}

type countResponse struct {
	Count uint64 `json:"count"`
}

func (h *Handler) view(rec stream.Stream) streamResponse {
	d := h.decimals(rec.Token)
	return streamResponse{
		Stream: rec,
		Display: displayAmounts{
			FlowRate:  rec.FlowRate.Format(d),
			Deposited: rec.Deposited.Format(d),
			Streamed:  rec.Streamed.Format(d),
			Withdrawn: rec.Withdrawn.Format(d),
		},
	}
}

func (h *Handler) writeStream(w http.ResponseWriter, r *http.Request, status int, id uint64) {
	rec, err := h.ledger.GetStream(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, status, h.view(rec))
}

func (h *Handler) writeAmount(w http.ResponseWriter, r *http.Request, get func(context.Context, uint64) (amount.Amount, error)) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}
	at := h.ledger.Now()
	value, err := get(r.Context(), id)
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
		Amount:   value,
		Display:  value.Format(h.decimals(rec.Token)),
		At:       at,
	})
}

func (h *Handler) writeIDs(w http.ResponseWriter, r *http.Request, list func(context.Context, stream.ActorID) ([]uint64, error)) {
	actor, err := stream.ParseActorID(mux.Vars(r)["actor"])
	if err != nil {
		httputil.WriteError(w, r, errors.InvalidFormat("actor", "non-empty identifier"))
		return
	}
	ids, err := list(r.Context(), actor)
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, idsResponse{Actor: actor, StreamIDs: ids})
}

func (h *Handler) writeCount(w http.ResponseWriter, r *http.Request, count func(context.Context) (uint64, error)) {
	n, err := count(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, countResponse{Count: n})
}
