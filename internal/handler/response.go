// Package handler 运维 HTTP 接口
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应体
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// 业务错误码
const (
	CodeOK            = 0
	CodeInvalidParams = 10001
	CodeNotFound      = 10004
	CodeInternal      = 10500
)

// Success 返回成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &Response{Code: CodeOK, Message: "success", Data: data})
}

// BadRequest 返回参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, &Response{Code: CodeInvalidParams, Message: message})
}

// NotFound 返回资源不存在响应
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, &Response{Code: CodeNotFound, Message: message})
}

// InternalError 返回内部错误响应，错误详情只写日志
func InternalError(c *gin.Context) {
	c.JSON(http.StatusInternalServerError, &Response{Code: CodeInternal, Message: "internal error"})
}
