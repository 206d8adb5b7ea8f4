package gateway

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/gateway/handler"
)

// DefaultBodyLimit 代理请求体上限
const DefaultBodyLimit = "10M"

// Server 表示代理入口服务
type Server struct {
	e      *echo.Echo
	addr   string
	logger config.Logger
}

// NewServer 创建一个新的代理入口服务
func NewServer(d handler.Dispatcher, listen config.ListenConfig, logger config.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(DefaultBodyLimit))

	handler.NewProxyHandler(d).RegisterRoutes(e)

	return &Server{
		e:      e,
		addr:   listen.Address(),
		logger: logger,
	}
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start 启动服务
func (s *Server) Start() error {
	s.logger.Info("代理入口启动", zap.String("addr", s.addr))

	go func() {
		if err := s.e.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("代理入口启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
