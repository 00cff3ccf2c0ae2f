package handler

import (
	"strconv"

	"github.com/dushixiang/lynx/internal/service"
	"github.com/go-orz/orz"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type MetricsHandler struct {
	logger        *zap.Logger
	metricService *service.MetricService
}

func NewMetricsHandler(logger *zap.Logger, metricService *service.MetricService) *MetricsHandler {
	return &MetricsHandler{
		logger:        logger,
		metricService: metricService,
	}
}

// intQueryParam 解析整型查询参数，缺失或非法时返回缺省值
func intQueryParam(c echo.Context, name string, fallback int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil {
		return fallback
	}
	return v
}

// int64QueryParam 解析毫秒时间戳等长整型查询参数
func int64QueryParam(c echo.Context, name string, fallback int64) int64 {
	v, err := strconv.ParseInt(c.QueryParam(name), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// Latest 单探针最新快照
func (h *MetricsHandler) Latest(c echo.Context) error {
	ctx := c.Request().Context()
	snap, err := h.metricService.Latest(ctx, currentUserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return orz.Ok(c, snap)
}

// AllLatest 当前用户可见探针的最新快照，按探针ID分组
func (h *MetricsHandler) AllLatest(c echo.Context) error {
	ctx := c.Request().Context()
	snaps, err := h.metricService.AllLatest(ctx, currentUserID(c))
	if err != nil {
		return err
	}
	return orz.Ok(c, snaps)
}

// History 单探针历史指标，[start, end] 闭区间，limit 截取最近的点
func (h *MetricsHandler) History(c echo.Context) error {
	start := int64QueryParam(c, "start", 0)
	end := int64QueryParam(c, "end", 0)
	limit := intQueryParam(c, "limit", 0)
	if start <= 0 {
		return orz.NewError(400, "缺少 start 参数")
	}
	if end > 0 && end < start {
		return orz.NewError(400, "时间范围无效")
	}

	ctx := c.Request().Context()
	snaps, err := h.metricService.History(ctx, currentUserID(c), c.Param("id"), start, end, limit)
	if err != nil {
		return err
	}
	return orz.Ok(c, snaps)
}

// Summary 可见范围内的集群概览
func (h *MetricsHandler) Summary(c echo.Context) error {
	ctx := c.Request().Context()
	summary, err := h.metricService.Summary(ctx, currentUserID(c))
	if err != nil {
		return err
	}
	return orz.Ok(c, summary)
}
