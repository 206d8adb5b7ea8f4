package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-proxy/internal/admin/service"
	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
)

// ServiceHandler 处理服务查询和熔断管理相关的HTTP请求
type ServiceHandler struct {
	service service.AdminService
}

// NewServiceHandler 创建一个新的服务管理处理器
func NewServiceHandler(service service.AdminService) *ServiceHandler {
	return &ServiceHandler{
		service: service,
	}
}

// RegisterRoutes 注册API路由
func (h *ServiceHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 查询服务列表
	api.GET("/services", h.listServices)

	// 查询服务实例
	api.GET("/services/:serviceName", h.discover)

	// 汇总健康状态
	api.GET("/health", h.health)

	// 熔断器
	api.GET("/breakers", h.listBreakers)
	api.POST("/breakers/:key/reset", h.resetBreaker)
	api.POST("/breakers/:service/:instance/reset", h.resetBreaker)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// listServices 处理查询服务列表请求
func (h *ServiceHandler) listServices(c echo.Context) error {
	services, err := h.service.ListServices(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "查询服务列表失败: "+err.Error()))
	}

	// 构造响应数据
	data := map[string]interface{}{
		"services": services,
	}

	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// discover 处理查询服务实例请求
func (h *ServiceHandler) discover(c echo.Context) error {
	serviceName := c.Param("serviceName")

	onlyHealthy := true
	if v := c.QueryParam("healthy"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "healthy参数无效"))
		}
		onlyHealthy = b
	}

	instances, err := h.service.Discover(c.Request().Context(), serviceName, !onlyHealthy)
	if err != nil {
		status := errs.HTTPStatus(err)
		return c.JSON(status, errorResponse(status, "查询服务实例失败: "+err.Error()))
	}

	data := map[string]interface{}{
		"service_name": serviceName,
		"instances":    instances,
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// health 处理汇总健康状态请求
func (h *ServiceHandler) health(c echo.Context) error {
	summary, err := h.service.Health(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "查询健康状态失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", summary))
}

// listBreakers 处理查询熔断器请求
func (h *ServiceHandler) listBreakers(c echo.Context) error {
	breakers, err := h.service.ListBreakers(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "查询熔断器失败: "+err.Error()))
	}
	data := map[string]interface{}{
		"breakers": breakers,
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// resetBreaker 处理重置熔断器请求，实例粒度的键为 服务/实例
func (h *ServiceHandler) resetBreaker(c echo.Context) error {
	key := c.Param("key")
	if key == "" {
		key = c.Param("service") + "/" + c.Param("instance")
	}

	if err := h.service.ResetBreaker(c.Request().Context(), key); err != nil {
		if errors.Is(err, service.ErrBreakerNotFound) {
			return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, err.Error()+": "+key))
		}
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "重置熔断器失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "熔断器已重置", nil))
}
