package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/retail/internal/domain"
	"github.com/vladislavdragonenkov/retail/internal/service/ordering"
)

// orderRequest — тело POST/PUT /api/orders. OrderDate принимается строкой:
// по наличию смещения определяется, как нормализовать дату.
type orderRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
	ProductID  string `json:"product_id" validate:"required"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
	OrderDate  string `json:"order_date" validate:"required"`
	Version    int64  `json:"version" validate:"gte=0"`
}

func (req orderRequest) toIntent() (domain.OrderIntent, error) {
	date, kind, err := domain.ParseOrderDate(req.OrderDate)
	if err != nil {
		verr := domain.NewValidationError()
		verr.Add("order_date", err.Error())
		return domain.OrderIntent{}, verr
	}
	return domain.OrderIntent{
		CustomerID: req.CustomerID,
		ProductID:  req.ProductID,
		Quantity:   req.Quantity,
		OrderDate:  date,
		DateKind:   kind,
		Version:    req.Version,
	}, nil
}

func decodeIntent(r *http.Request) (domain.OrderIntent, error) {
	var req orderRequest
	if err := decodeBody(r, &req); err != nil {
		return domain.OrderIntent{}, err
	}
	return req.toIntent()
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	views, err := h.orders.ListViews(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if views == nil {
		views = []ordering.OrderView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	intent, err := decodeIntent(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.Create(r.Context(), intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) editOrder(w http.ResponseWriter, r *http.Request) {
	intent, err := decodeIntent(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.orders.Edit(r.Context(), chi.URLParam(r, "id"), intent)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
