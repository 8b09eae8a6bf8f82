// ============================================================================
// AlertQueue Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集排程迴圈的運行指標，透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - alertqueue_messages_received_total: 從 inbox 收到的訊息數
//      - alertqueue_items_added_total: parse 後新增的 QueueItem 數
//      - alertqueue_items_executed_total: 執行過的 QueueItem 數
//      - alertqueue_items_completed_total: 完成並移出隊列的 QueueItem 數
//      - alertqueue_failures_total{stage}: decode / parse / execute / loop 失敗數
//      - alertqueue_notifications_total{kind}: 寄出的通知數
//      - alertqueue_cleans_total: 完整 clean 次數
//
//   2. 分佈 (Histogram)：
//      - alertqueue_item_execute_seconds: 單一 QueueItem 執行耗時
//      - alertqueue_item_lag_seconds: 到期到實際執行的延遲
//
//   3. 瞬時值 (Gauge)：
//      - alertqueue_queue_length / alertqueue_complete_items / alertqueue_graceids
//      - alertqueue_warn_count
//      - alertqueue_restored_items: 啟動時從快照恢復的項目數
//
// Prometheus 查詢示例:
//
//   # 每分鐘執行的項目
//   rate(alertqueue_items_executed_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, rate(alertqueue_item_lag_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 失敗階段
const (
	StageDecode  = "decode"
	StageParse   = "parse"
	StageExecute = "execute"
	StageLoop    = "loop"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 訊息與項目
	messagesReceived prometheus.Counter
	itemsAdded       prometheus.Counter
	itemsExecuted    prometheus.Counter
	itemsCompleted   prometheus.Counter
	failures         *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	cleans           prometheus.Counter

	// 效能指標
	executeLatency prometheus.Histogram
	lag            prometheus.Histogram

	// 狀態指標
	queueLength   prometheus.Gauge
	completeItems prometheus.Gauge
	graceIDs      prometheus.Gauge
	warnCount     prometheus.Gauge
	restoredItems prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 建立收集器並註冊到 reg
//
// reg 為 nil 時使用一個新的私有 registry。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertqueue_messages_received_total",
			Help: "Total number of messages received from the inbox",
		}),
		itemsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertqueue_items_added_total",
			Help: "Total number of queue items added by the parse callback",
		}),
		itemsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertqueue_items_executed_total",
			Help: "Total number of queue items executed",
		}),
		itemsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertqueue_items_completed_total",
			Help: "Total number of queue items completed and removed",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertqueue_failures_total",
			Help: "Total number of isolated failures by stage",
		}, []string{"stage"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertqueue_notifications_total",
			Help: "Total number of operator notifications handed to the mailer by kind",
		}, []string{"kind"}),
		cleans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertqueue_cleans_total",
			Help: "Total number of full clean passes over the queue",
		}),
		executeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertqueue_item_execute_seconds",
			Help:    "Time spent executing one queue item",
			Buckets: prometheus.DefBuckets,
		}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "alertqueue_item_lag_seconds",
			Help:    "Delay between an item's expiration and its execution",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertqueue_queue_length",
			Help: "Current length of the global queue",
		}),
		completeItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertqueue_complete_items",
			Help: "Complete items still held by the global queue",
		}),
		graceIDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertqueue_graceids",
			Help: "Number of graceids with a queue",
		}),
		warnCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertqueue_warn_count",
			Help: "Queue-length warnings since the last recovery",
		}),
		restoredItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertqueue_restored_items",
			Help: "Items merged from the startup snapshot",
		}),
		gatherer: reg,
	}

	// 註冊所有指標
	reg.MustRegister(
		c.messagesReceived,
		c.itemsAdded,
		c.itemsExecuted,
		c.itemsCompleted,
		c.failures,
		c.notifications,
		c.cleans,
		c.executeLatency,
		c.lag,
		c.queueLength,
		c.completeItems,
		c.graceIDs,
		c.warnCount,
		c.restoredItems,
	)
	return c
}

// RecordReceived 記錄收到一則訊息
func (c *Collector) RecordReceived() {
	c.messagesReceived.Inc()
}

// RecordAdded 記錄 parse 新增的項目數
func (c *Collector) RecordAdded(n int) {
	if n > 0 {
		c.itemsAdded.Add(float64(n))
	}
}

// RecordExecuted 記錄一次項目執行
func (c *Collector) RecordExecuted(seconds, lagSeconds float64) {
	c.itemsExecuted.Inc()
	c.executeLatency.Observe(seconds)
	if lagSeconds < 0 {
		lagSeconds = 0
	}
	c.lag.Observe(lagSeconds)
}

// RecordCompleted 記錄項目完成
func (c *Collector) RecordCompleted() {
	c.itemsCompleted.Inc()
}

// RecordFailure 記錄某一階段的失敗
func (c *Collector) RecordFailure(stage string) {
	c.failures.WithLabelValues(stage).Inc()
}

// RecordNotification 記錄寄出的通知
func (c *Collector) RecordNotification(kind string) {
	c.notifications.WithLabelValues(kind).Inc()
}

// RecordClean 記錄一次 clean
func (c *Collector) RecordClean() {
	c.cleans.Inc()
}

// SetRestored 設置啟動恢復的項目數
func (c *Collector) SetRestored(n int) {
	c.restoredItems.Set(float64(n))
}

// UpdateQueueStats 更新隊列狀態
func (c *Collector) UpdateQueueStats(length, complete, graceIDs, warnCount int) {
	c.queueLength.Set(float64(length))
	c.completeItems.Set(float64(complete))
	c.graceIDs.Set(float64(graceIDs))
	c.warnCount.Set(float64(warnCount))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
