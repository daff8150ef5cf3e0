package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/domain"
)

type submitOrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Exchange      string           `json:"exchange"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	LimitPrice    *decimal.Decimal `json:"limit_price"`
	StopPrice     *decimal.Decimal `json:"stop_price"`
	StrategyID    string           `json:"strategy_id"`
}

func (r submitOrderRequest) toOrder() *domain.Order {
	return &domain.Order{
		ClientOrderID: r.ClientOrderID,
		Exchange:      r.Exchange,
		Symbol:        r.Symbol,
		Side:          domain.Side(r.Side),
		Type:          domain.OrderType(r.Type),
		Quantity:      r.Quantity,
		LimitPrice:    r.LimitPrice,
		StopPrice:     r.StopPrice,
		StrategyID:    r.StrategyID,
	}
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	order, err := s.orders.SubmitOrder(r.Context(), req.toOrder())
	if err != nil {
		// A rejected order is still an answer: report it with the reason.
		if order != nil && order.Status == domain.OrderStatusRejected {
			s.writeJSON(w, http.StatusUnprocessableEntity, order)
			return
		}
		// An unknown-outcome submission hands back the order so the caller
		// can poll it; the sweep will settle the true state.
		var berr *domain.BrokerError
		if errors.As(err, &berr) && berr.Accepted && order != nil {
			s.writeJSON(w, http.StatusAccepted, order)
			return
		}
		s.writeError(w, "Failed to submit order", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.orders.ValidateOrder(r.Context(), req.toOrder()); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"valid":  false,
				"reason": verr.Reason,
			})
			return
		}
		s.writeError(w, "Failed to validate order", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.GetOrderStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "Failed to get order", err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "Failed to cancel order", err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.tracker.List())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	position := s.tracker.Get(r.PathValue("exchange"), r.PathValue("symbol"))
	if position == nil {
		http.Error(w, "Position not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		currency = s.orders.QuoteCurrency()
	}
	balance, err := s.orders.GetBalance(r.Context(), currency)
	if err != nil {
		s.writeError(w, "Failed to get balance", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"currency": currency,
		"balance":  balance,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"positions": len(s.tracker.List()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, msg string, err error) {
	var verr *domain.ValidationError
	var nferr *domain.NotFoundError
	var berr *domain.BrokerError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &nferr):
		http.Error(w, nferr.Error(), http.StatusNotFound)
	case errors.As(err, &berr):
		s.logger.Error(msg, zap.Error(err))
		http.Error(w, msg, http.StatusBadGateway)
	default:
		s.logger.Error(msg, zap.Error(err))
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
