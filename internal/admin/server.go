package admin

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/admin/handler"
	"github.com/hewenyu/kong-proxy/internal/admin/service"
	"github.com/hewenyu/kong-proxy/internal/config"
)

// Options 管理API选项
type Options struct {
	Listen config.ListenConfig
	// Gatherer 不为空时在MetricsPath暴露指标
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

// Server 表示管理API服务
type Server struct {
	e              *echo.Echo
	addr           string
	serviceHandler *handler.ServiceHandler
	logger         config.Logger
}

// NewServer 创建一个新的管理API服务
func NewServer(query service.Query, opts Options, logger config.Logger) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// 创建管理服务
	adminService := service.NewAdminService(query)

	// 创建服务处理器
	serviceHandler := handler.NewServiceHandler(adminService)

	// 注册路由
	serviceHandler.RegisterRoutes(e)

	if opts.Gatherer != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		e.GET(path, echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return &Server{
		e:              e,
		addr:           opts.Listen.Address(),
		serviceHandler: serviceHandler,
		logger:         logger,
	}
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start 启动服务
func (s *Server) Start() error {
	s.logger.Info("管理API服务启动", zap.String("addr", s.addr))

	// 以非阻塞方式启动服务
	go func() {
		if err := s.e.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
