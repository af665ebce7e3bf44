// 包 metrics 定义下载流程的 Prometheus 指标，
// 服务模式通过 /metrics 暴露，命令行模式在结束时写入 textfile。
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ArticlesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxa_articles_total",
		Help: "按结果统计的文章数",
	}, []string{"outcome"})

	ArticleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wxa_article_duration_seconds",
		Help:    "单篇文章处理耗时",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	AssetRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxa_asset_requests_total",
		Help: "图片/音频请求数（fetched 为实际下载，cached 为命中缓存）",
	}, []string{"kind", "result"})

	ChallengeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxa_challenge_retries_total",
		Help: "遇到验证页后的重试次数",
	})

	FeedPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wxa_feed_pages_total",
		Help: "请求的文章列表页数",
	})

	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wxa_sink_errors_total",
		Help: "各输出格式的失败次数",
	}, []string{"sink"})
)

// Registry 为本程序使用的注册表。
var Registry = prometheus.NewRegistry()

func init() {
	MustRegister(Registry)
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// MustRegister 注册业务指标。
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		ArticlesTotal,
		ArticleSeconds,
		AssetRequests,
		ChallengeRetries,
		FeedPages,
		SinkErrors,
	)
}

// ObserveArticle 记录单篇结果与耗时。
func ObserveArticle(outcome string, start time.Time) {
	if outcome == "" {
		outcome = "unknown"
	}
	ArticlesTotal.WithLabelValues(outcome).Inc()
	ArticleSeconds.Observe(time.Since(start).Seconds())
}

// ObserveAsset 记录一次资源请求；result 为 fetched|cached|error。
func ObserveAsset(kind, result string) {
	AssetRequests.WithLabelValues(kind, result).Inc()
}

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// WriteTextfile 以 node_exporter textfile 格式写出全部指标。
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
