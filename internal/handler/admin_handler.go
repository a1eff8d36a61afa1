package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gmfi-labs/gmfi-chain/internal/repository"
	"github.com/gmfi-labs/gmfi-chain/internal/scheduler"
	"github.com/gmfi-labs/gmfi-chain/pkg/logger"
)

// ChainReloader 重新加载链配置
type ChainReloader interface {
	Reload()
}

// NotificationResetter 恢复项目通知推送
type NotificationResetter interface {
	ResetFailures(ctx context.Context, projectID int64) error
}

// AccountResetter 恢复账户出账
type AccountResetter interface {
	ResetAccount(ctx context.Context, address string) error
}

// JobLister 任务状态
type JobLister interface {
	ListJobStatus(ctx context.Context) ([]*scheduler.JobStatus, error)
}

// AdminHandler 运维操作
type AdminHandler struct {
	chains        ChainReloader
	notifications NotificationResetter
	accounts      AccountResetter
	jobs          JobLister
	logger        *zap.Logger
}

// NewAdminHandler 创建运维处理器
func NewAdminHandler(chains ChainReloader, notifications NotificationResetter, accounts AccountResetter, jobs JobLister) *AdminHandler {
	return &AdminHandler{
		chains:        chains,
		notifications: notifications,
		accounts:      accounts,
		jobs:          jobs,
		logger:        logger.Named("admin"),
	}
}

// ReloadChains 重启全部链同步
// POST /admin/chains/reload
func (h *AdminHandler) ReloadChains(c *gin.Context) {
	h.chains.Reload()
	h.logger.Info("chain reload requested", zap.String("client_ip", c.ClientIP()))
	Success(c, nil)
}

// ResetNotifications 清零项目通知失败次数
// POST /admin/projects/:id/notifications/reset
func (h *AdminHandler) ResetNotifications(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(c, "invalid project id")
		return
	}

	err = h.notifications.ResetFailures(c.Request.Context(), id)
	if errors.Is(err, repository.ErrProjectNotFound) {
		NotFound(c, "project not found")
		return
	}
	if err != nil {
		h.logger.Error("reset notification failures failed", zap.Int64("project_id", id), zap.Error(err))
		InternalError(c)
		return
	}
	Success(c, nil)
}

// ResetAccount 清零账户模拟失败次数
// POST /admin/accounts/:address/reset
func (h *AdminHandler) ResetAccount(c *gin.Context) {
	address := c.Param("address")
	if !common.IsHexAddress(address) {
		BadRequest(c, "invalid address")
		return
	}

	err := h.accounts.ResetAccount(c.Request.Context(), address)
	if errors.Is(err, repository.ErrAccountNotFound) {
		NotFound(c, "account not found")
		return
	}
	if err != nil {
		h.logger.Error("reset account failed", zap.String("account", address), zap.Error(err))
		InternalError(c)
		return
	}
	Success(c, nil)
}

// GetLogLevel 当前日志级别
// GET /admin/log/level
func (h *AdminHandler) GetLogLevel(c *gin.Context) {
	Success(c, gin.H{"level": logger.Level()})
}

// SetLogLevelRequest 修改日志级别
type SetLogLevelRequest struct {
	Level string `json:"level" binding:"required"`
}

// SetLogLevel 运行时修改日志级别，重启后恢复配置值
// PUT /admin/log/level
func (h *AdminHandler) SetLogLevel(c *gin.Context) {
	var req SetLogLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "level is required")
		return
	}
	previous := logger.Level()
	if err := logger.SetLevel(req.Level); err != nil {
		BadRequest(c, err.Error())
		return
	}
	h.logger.Info("log level changed",
		zap.String("from", previous),
		zap.String("to", logger.Level()),
		zap.String("client_ip", c.ClientIP()))
	Success(c, gin.H{"level": logger.Level()})
}

// ListJobs 任务状态
// GET /admin/jobs
func (h *AdminHandler) ListJobs(c *gin.Context) {
	statuses, err := h.jobs.ListJobStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		InternalError(c)
		return
	}
	Success(c, statuses)
}
