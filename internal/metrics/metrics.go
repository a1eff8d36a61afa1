// Package metrics 提供 gmfi-chain 服务的 Prometheus 监控指标
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gmfi_chain"

// 区块索引指标
var (
	// BlocksIngested 已写入区块数
	BlocksIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_ingested_total",
			Help:      "已写入的区块数量",
		},
		[]string{"chain_id"},
	)

	// LatestIngestedBlock 最新写入区块高度
	LatestIngestedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_ingested_block",
			Help:      "最新写入的区块高度",
		},
		[]string{"chain_id"},
	)

	// ChainHead 链上最新高度
	ChainHead = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "节点返回的最新区块高度",
		},
		[]string{"chain_id"},
	)

	// BlocksBackfilled 缺口回填区块数
	BlocksBackfilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_backfilled_total",
			Help:      "缺口或父块回填的区块数量",
		},
		[]string{"chain_id", "reason"}, // gap, parent
	)

	// MonitorRestarts 监控协程重启次数
	MonitorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_restarts_total",
			Help:      "链监控重启次数",
		},
		[]string{"reason"}, // reload, error
	)
)

// 重组指标
var (
	// ReorgDeletedBlocks 重组删除的区块数
	ReorgDeletedBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorg_deleted_blocks_total",
			Help:      "因重组被删除的区块数量",
		},
		[]string{"chain_id", "stage"}, // ingest, confirm
	)
)

// 交易分类指标
var (
	// TransactionsClassified 分类结果
	TransactionsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_classified_total",
			Help:      "交易分类结果",
		},
		[]string{"chain_id", "type"}, // type 为结算类型或 untyped / dropped / error
	)
)

// 确认指标
var (
	// BlocksConfirmed 确认结果
	BlocksConfirmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_confirmed_total",
			Help:      "区块确认结果",
		},
		[]string{"chain_id", "result"}, // confirmed, dropped, skipped
	)

	// BalanceAdjustments 余额变更次数
	BalanceAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_adjustments_total",
			Help:      "余额变更次数",
		},
		[]string{"chain_id", "side"}, // sender, receiver, gas
	)
)

// 出账队列指标
var (
	// OutboundSubmissions 出账提交结果
	OutboundSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_submissions_total",
			Help:      "出账交易提交结果",
		},
		[]string{"chain_id", "result"}, // sent, simulation_failed, broadcast_failed, blocked, lock_busy
	)

	// OutboundEnqueued 入队数量
	OutboundEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_enqueued_total",
			Help:      "出账队列入队数量",
		},
		[]string{"chain_id", "kind"},
	)
)

// 通知指标
var (
	// NotificationDeliveries 通知推送结果
	NotificationDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_deliveries_total",
			Help:      "通知推送结果",
		},
		[]string{"result"}, // success, failed
	)

	// NotificationLatency 推送耗时
	NotificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_delivery_seconds",
			Help:      "webhook 推送耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
	)
)

// 任务调度指标
var (
	// JobRuns 任务执行结果
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "定时任务执行结果",
		},
		[]string{"job", "status"},
	)

	// JobDuration 任务执行耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务执行耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 4, 16, 64},
		},
		[]string{"job"},
	)
)

// RPC 指标
var (
	// RPCRequests RPC 调用次数
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "节点 RPC 调用次数",
		},
		[]string{"chain_id", "method", "status"},
	)

	// RPCDuration RPC 调用耗时
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "节点 RPC 调用耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"chain_id", "method"},
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced 发送消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic", "status"},
	)
)

func chainLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

// RecordBlockIngested 记录区块写入
func RecordBlockIngested(chainID, number int64) {
	label := chainLabel(chainID)
	BlocksIngested.WithLabelValues(label).Inc()
	LatestIngestedBlock.WithLabelValues(label).Set(float64(number))
}

// RecordChainHead 记录链上高度
func RecordChainHead(chainID int64, head uint64) {
	ChainHead.WithLabelValues(chainLabel(chainID)).Set(float64(head))
}

// RecordBackfill 记录回填
func RecordBackfill(chainID int64, reason string, count int) {
	BlocksBackfilled.WithLabelValues(chainLabel(chainID), reason).Add(float64(count))
}

// RecordReorg 记录重组删除
func RecordReorg(chainID int64, stage string, blocks int64) {
	if blocks <= 0 {
		return
	}
	ReorgDeletedBlocks.WithLabelValues(chainLabel(chainID), stage).Add(float64(blocks))
}

// RecordClassified 记录交易分类结果
func RecordClassified(chainID int64, typ string) {
	TransactionsClassified.WithLabelValues(chainLabel(chainID), typ).Inc()
}

// RecordConfirmation 记录区块确认结果
func RecordConfirmation(chainID int64, result string) {
	BlocksConfirmed.WithLabelValues(chainLabel(chainID), result).Inc()
}

// RecordBalanceAdjustment 记录余额变更
func RecordBalanceAdjustment(chainID int64, side string) {
	BalanceAdjustments.WithLabelValues(chainLabel(chainID), side).Inc()
}

// RecordOutboundSubmission 记录出账提交
func RecordOutboundSubmission(chainID int64, result string) {
	OutboundSubmissions.WithLabelValues(chainLabel(chainID), result).Inc()
}

// RecordOutboundEnqueued 记录出账入队
func RecordOutboundEnqueued(chainID int64, kind string) {
	OutboundEnqueued.WithLabelValues(chainLabel(chainID), kind).Inc()
}

// RecordNotification 记录通知推送
func RecordNotification(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failed"
	}
	NotificationDeliveries.WithLabelValues(result).Inc()
	NotificationLatency.Observe(duration.Seconds())
}

// RecordJob 记录任务执行
func RecordJob(job, status string, duration time.Duration) {
	JobRuns.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordRPC 记录 RPC 调用
func RecordRPC(chainID int64, method string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	label := chainLabel(chainID)
	RPCRequests.WithLabelValues(label, method, status).Inc()
	RPCDuration.WithLabelValues(label, method).Observe(duration.Seconds())
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}
