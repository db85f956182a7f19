package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics собирает Prometheus-метрики транслятора: счётчик отброшенных
// пакетов по причине. Глубина очередей фан-аута не экспортируется. Форма заимствована у
// pkg/dialog.MetricsCollector (namespace/subsystem + promauto.New*), но без
// build-тега — счётчики фан-аута нужны релею всегда, а не только в сборках
// с диагностикой.
type Metrics struct {
	registry     *prometheus.Registry
	droppedTotal *prometheus.CounterVec
}

// Registry возвращает этот набор коллекторов, чтобы вызывающий код (обычно
// cmd/rtprelay) мог выставить его через promhttp отдельно от
// prometheus.DefaultRegisterer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NewMetrics регистрирует метрики транслятора под заданными namespace и
// subsystem (пустые значения используют разумные умолчания relay/translator)
// на собственном реестре — каждая конференц-сессия (и каждый тест) получает
// независимый набор коллекторов вместо общего DefaultRegisterer, иначе
// повторная регистрация с теми же Namespace/Subsystem/Name паникует.
func NewMetrics(namespace, subsystem string) *Metrics {
	if namespace == "" {
		namespace = "relay"
	}
	if subsystem == "" {
		subsystem = "translator"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_packets_total",
			Help:      "Total number of packets dropped by the translator, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) incDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}
