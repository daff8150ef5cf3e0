package web

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/tradecore/order_engine/internal/usecase"
)

type Server struct {
	router  *http.ServeMux
	server  *http.Server
	orders  *usecase.OrderService
	tracker *usecase.PositionTracker
	logger  *zap.Logger
}

func NewServer(
	port int,
	orders *usecase.OrderService,
	tracker *usecase.PositionTracker,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:  http.NewServeMux(),
		orders:  orders,
		tracker: tracker,
		logger:  logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Orders
	s.router.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	s.router.HandleFunc("POST /api/orders/validate", s.handleValidateOrder)
	s.router.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	s.router.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)

	// Positions
	s.router.HandleFunc("GET /api/positions", s.handleListPositions)
	s.router.HandleFunc("GET /api/positions/{exchange}/{symbol}", s.handleGetPosition)

	// Account
	s.router.HandleFunc("GET /api/balance", s.handleBalance)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
