package registration

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-proxy/internal/config"
	"github.com/hewenyu/kong-proxy/internal/registration/handler"
	"github.com/hewenyu/kong-proxy/internal/registration/service"
	"github.com/hewenyu/kong-proxy/internal/registry"
)

// CustomValidator 实现echo.Validator接口
type CustomValidator struct {
	validator *validator.Validate
}

// Validate 校验结构体的validate标签
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// Server 表示服务注册API服务
type Server struct {
	e       *echo.Echo
	addr    string
	handler *handler.RegistrationHandler
	logger  config.Logger
}

// NewServer 创建一个新的服务注册API服务
func NewServer(reg *registry.Registry, listen config.ListenConfig, logger config.Logger) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	// 添加中间件
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// 创建服务注册服务
	registrationService := service.NewRegistrationService(reg)

	// 创建服务注册处理器
	registrationHandler := handler.NewRegistrationHandler(registrationService)

	// 注册路由
	registrationHandler.RegisterRoutes(e)

	return &Server{
		e:       e,
		addr:    listen.Address(),
		handler: registrationHandler,
		logger:  logger,
	}
}

// Handler 返回HTTP处理器
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start 启动服务
func (s *Server) Start() error {
	s.logger.Info("服务注册API服务启动", zap.String("addr", s.addr))

	// 以非阻塞方式启动服务
	go func() {
		if err := s.e.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("服务注册API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
