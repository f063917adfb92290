package orchestrator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/paritybot/cascade/internal/logfields"
)

const metricNamespace = "cascade_orchestrator"

const (
	commandsMetricName      = "commands_total"
	mergesMetricName        = "cascade_merges_total"
	pendingMergesMetricName = "pending_merges"
)

const (
	repositoryLabel = "repository"
	commandLabel    = "command"
	outcomeLabel    = "outcome"
)

type outcomeLabelVal string

const (
	outcomeSucceededVal outcomeLabelVal = "succeeded"
	outcomeFailedVal    outcomeLabelVal = "failed"
)

type metricCollector struct {
	logger        *zap.Logger
	commands      *prometheus.CounterVec
	cascadeMerges *prometheus.CounterVec
	pendingGauge  *prometheus.GaugeVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named("orchestrator").Named("metrics"),
		commands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      commandsMetricName,
				Help:      "count of bot commands processed, by repository and command",
			},
			[]string{repositoryLabel, commandLabel},
		),
		cascadeMerges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      mergesMetricName,
				Help:      "count of merge cascades that completed or failed, by repository of the requesting pull request",
			},
			[]string{repositoryLabel, outcomeLabel},
		),
		pendingGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Name:      pendingMergesMetricName,
				Help:      "count of currently persisted pending merge records, by repository",
			},
			[]string{repositoryLabel},
		),
	}
}

func repoLabel(owner, repo string) string {
	return fmt.Sprintf("%s/%s", owner, repo)
}

func (m *metricCollector) logGetMetricFailed(metricName string, err error) {
	m.logger.Warn(
		"could not record metric",
		zap.String("metric", metricName),
		logfields.Event("recording_metric_failed"),
		zap.Error(err),
	)
}

func (m *metricCollector) CommandInc(owner, repo string, cmd string) {
	cnt, err := m.commands.GetMetricWith(prometheus.Labels{
		repositoryLabel: repoLabel(owner, repo),
		commandLabel:    cmd,
	})
	if err != nil {
		m.logGetMetricFailed(commandsMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) CascadeMergeInc(owner, repo string, succeeded bool) {
	outcome := outcomeSucceededVal
	if !succeeded {
		outcome = outcomeFailedVal
	}

	cnt, err := m.cascadeMerges.GetMetricWith(prometheus.Labels{
		repositoryLabel: repoLabel(owner, repo),
		outcomeLabel:    string(outcome),
	})
	if err != nil {
		m.logGetMetricFailed(mergesMetricName, err)
		return
	}

	cnt.Inc()
}

func (m *metricCollector) PendingMergesSet(owner, repo string, count int) {
	g, err := m.pendingGauge.GetMetricWith(prometheus.Labels{
		repositoryLabel: repoLabel(owner, repo),
	})
	if err != nil {
		m.logGetMetricFailed(pendingMergesMetricName, err)
		return
	}

	g.Set(float64(count))
}
