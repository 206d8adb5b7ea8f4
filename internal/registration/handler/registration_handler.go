package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-proxy/internal/core/errs"
	"github.com/hewenyu/kong-proxy/internal/core/model"
	"github.com/hewenyu/kong-proxy/internal/registration/service"
)

// RegistrationHandler 处理服务注册相关的HTTP请求
type RegistrationHandler struct {
	service service.RegistrationService
}

// NewRegistrationHandler 创建一个新的服务注册处理器
func NewRegistrationHandler(service service.RegistrationService) *RegistrationHandler {
	return &RegistrationHandler{
		service: service,
	}
}

// RegisterRoutes 注册API路由
func (h *RegistrationHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 服务注册
	api.POST("/services", h.registerService)

	// 服务注销
	api.DELETE("/services/:serviceName/instances/:instanceId", h.deregisterService)

	// 服务心跳
	api.PUT("/services/:serviceName/instances/:instanceId/heartbeat", h.updateHeartbeat)
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

// 根据错误类型返回响应
func failure(c echo.Context, prefix string, err error) error {
	status := errs.HTTPStatus(err)
	if errors.Is(err, service.ErrInstanceNotFound) {
		status = http.StatusNotFound
	}
	return c.JSON(status, errorResponse(status, prefix+err.Error()))
}

// registerService 处理服务注册请求
func (h *RegistrationHandler) registerService(c echo.Context) error {
	// 解析请求参数
	req := new(model.ServiceRegistrationRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "无效的请求参数: "+err.Error()))
	}

	// 校验字段
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求参数校验失败: "+err.Error()))
	}

	// 调用服务层注册服务
	resp, err := h.service.RegisterService(c.Request().Context(), req)
	if err != nil {
		return failure(c, "注册服务失败: ", err)
	}

	// 返回成功响应
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注册成功", resp))
}

// deregisterService 处理服务注销请求
func (h *RegistrationHandler) deregisterService(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	// 调用服务层注销服务
	if err := h.service.DeregisterService(c.Request().Context(), serviceName, instanceID); err != nil {
		return failure(c, "注销服务失败: ", err)
	}

	// 返回成功响应
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

// updateHeartbeat 处理服务心跳请求
func (h *RegistrationHandler) updateHeartbeat(c echo.Context) error {
	serviceName := c.Param("serviceName")
	instanceID := c.Param("instanceId")

	// 调用服务层更新心跳
	resp, err := h.service.UpdateHeartbeat(c.Request().Context(), serviceName, instanceID)
	if err != nil {
		return failure(c, "更新心跳失败: ", err)
	}

	// 返回成功响应
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳更新成功", resp))
}
