package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "skilld"

	StatusOK    = "ok"
	StatusError = "error"

	PollUnchanged = "unchanged"
	PollDeployed  = "deployed"
	PollFailed    = "failed"

	LabelStatus          = "status"
	LabelStatusCode      = "status_code"
	LabelDeploymentState = "deployment_state"
	LabelTrigger         = "trigger"
	LabelResult          = "result"
	LabelEventType       = "event_type"
)

func statusLabel(err error) string {
	if err == nil {
		return StatusOK
	}
	return StatusError
}

func DatabaseQuery(t time.Time, err error) {
	elapsed := time.Since(t)
	databaseQueries.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Observe(elapsed.Seconds())
}

func GitHubRequest(statusCode int) {
	githubRequests.With(prometheus.Labels{
		LabelStatusCode: strconv.Itoa(statusCode),
	}).Inc()
}

func Deployment(state, trigger string, started time.Time) {
	labels := prometheus.Labels{
		LabelDeploymentState: state,
		LabelTrigger:         trigger,
	}
	deployments.With(labels).Inc()
	deployDuration.With(labels).Observe(time.Since(started).Seconds())
}

func Rollback(err error) {
	rollbacks.With(prometheus.Labels{
		LabelStatus: statusLabel(err),
	}).Inc()
}

func InvalidDocuments(trigger string, count int) {
	invalidDocuments.With(prometheus.Labels{
		LabelTrigger: trigger,
	}).Add(float64(count))
}

func LockContention(trigger string) {
	lockContention.With(prometheus.Labels{
		LabelTrigger: trigger,
	}).Inc()
}

func PollCycle(result string) {
	pollCycles.With(prometheus.Labels{
		LabelResult: result,
	}).Inc()
	if result != PollFailed {
		lastSuccessfulPoll.SetToCurrentTime()
	}
}

func WebhookEvent(eventType string, statusCode int) {
	webhookEvents.With(prometheus.Labels{
		LabelEventType:  eventType,
		LabelStatusCode: strconv.Itoa(statusCode),
	}).Inc()
}

func AuditFailure() {
	auditFailures.Inc()
}

var (
	databaseQueries = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "database_queries",
		Help:      "time to execute database queries",
		Namespace: namespace,
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 20),
	},
		[]string{
			LabelStatus,
		},
	)

	githubRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "github_requests",
		Help:      "number of Github requests made",
		Namespace: namespace,
	},
		[]string{
			LabelStatusCode,
		},
	)

	deployments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "deployments",
		Help:      "finished deployments",
		Namespace: namespace,
	},
		[]string{
			LabelDeploymentState,
			LabelTrigger,
		},
	)

	deployDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "deployment_duration_seconds",
		Help:      "time from validation to finished deployment or rollback",
		Namespace: namespace,
		Buckets:   prometheus.DefBuckets,
	},
		[]string{
			LabelDeploymentState,
			LabelTrigger,
		},
	)

	rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "rollbacks",
		Help:      "deployments that were rolled back",
		Namespace: namespace,
	},
		[]string{
			LabelStatus,
		},
	)

	invalidDocuments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "invalid_documents",
		Help:      "skill documents rejected by validation",
		Namespace: namespace,
	},
		[]string{
			LabelTrigger,
		},
	)

	lockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "lock_contention",
		Help:      "deployments refused because the deployment lock was held",
		Namespace: namespace,
	},
		[]string{
			LabelTrigger,
		},
	)

	pollCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "poll_cycles",
		Help:      "completed poll cycles",
		Namespace: namespace,
	},
		[]string{
			LabelResult,
		},
	)

	lastSuccessfulPoll = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "last_successful_poll_timestamp",
		Help:      "unix time of the last poll cycle that did not fail",
		Namespace: namespace,
	})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "webhook_events",
		Help:      "webhook deliveries by event type and response code",
		Namespace: namespace,
	},
		[]string{
			LabelEventType,
			LabelStatusCode,
		},
	)

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "audit_failures",
		Help:      "audit records that could not be written",
		Namespace: namespace,
	})
)

func init() {
	prometheus.MustRegister(databaseQueries)
	prometheus.MustRegister(githubRequests)
	prometheus.MustRegister(deployments)
	prometheus.MustRegister(deployDuration)
	prometheus.MustRegister(rollbacks)
	prometheus.MustRegister(invalidDocuments)
	prometheus.MustRegister(lockContention)
	prometheus.MustRegister(pollCycles)
	prometheus.MustRegister(lastSuccessfulPoll)
	prometheus.MustRegister(webhookEvents)
	prometheus.MustRegister(auditFailures)
}
