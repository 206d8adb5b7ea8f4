package model

import "net/http"

// ProxyRequest 需要转发到下游实例的请求
type ProxyRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// ProxyResponse 下游实例的响应
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
