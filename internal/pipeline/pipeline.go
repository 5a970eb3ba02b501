// Package pipeline runs one detection cycle: fetch flow logs, gate unknown
// workloads, classify the rest and alert on malicious traffic.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/meshguard/internal/alerting"
	"github.com/invisible-tech/meshguard/internal/detection"
	"github.com/invisible-tech/meshguard/internal/types"
	"github.com/invisible-tech/meshguard/pkg/classifier"
	"github.com/invisible-tech/meshguard/pkg/features"
	"github.com/invisible-tech/meshguard/pkg/flowlog"
	"github.com/invisible-tech/meshguard/pkg/loki"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshguard_pipeline_runs_total",
			Help: "Pipeline runs by final state",
		},
		[]string{"state"},
	)
	abortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshguard_pipeline_aborts_total",
			Help: "Aborted pipeline runs by failing stage",
		},
		[]string{"stage"},
	)
	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshguard_pipeline_run_duration_seconds",
			Help:    "Wall time of a pipeline run",
			Buckets: prometheus.DefBuckets,
		},
	)
	recordsFetched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshguard_records_fetched_total",
			Help: "Flow records parsed from Loki",
		},
	)
	unknownWorkloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshguard_unknown_workloads_total",
			Help: "Records whose source workload is outside the allow-list",
		},
	)
	classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshguard_classifications_total",
			Help: "Classified records by predicted label",
		},
		[]string{"label"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(abortsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(recordsFetched)
	prometheus.MustRegister(unknownWorkloads)
	prometheus.MustRegister(classifications)
}

// Source returns the raw log entries for one query window.
type Source interface {
	Fetch(ctx context.Context, w loki.Window) ([]loki.Entry, error)
}

// Scaler transforms the numeric feature columns.
type Scaler interface {
	Transform(rows [][]float64) ([][]float64, error)
}

// Classifier labels encoded feature rows.
type Classifier interface {
	Classify(rows []types.EncodedFeatures) ([]classifier.Result, error)
}

// Dispatcher delivers one alert.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *types.Alert) error
}

// State is the terminal state of a run.
type State string

const (
	StateDone    State = "DONE"
	StateAborted State = "ABORTED"
)

// Result summarizes one run.
type Result struct {
	State        State
	Stage        Stage
	Err          error
	Fetched      int
	Unknown      int
	Classified   int
	Malicious    int
	AlertsSent   int
	AlertsFailed int
	Duration     time.Duration
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	Source     Source
	Filter     *detection.Filter
	Encoder    *features.Encoder
	Scaler     Scaler
	Classifier Classifier
	Dispatcher Dispatcher
	Log        *logrus.Logger

	// Window is the look-back of each fetch.
	Window time.Duration
	// MaliciousLabel is the class that raises a traffic alert.
	MaliciousLabel int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline executes detection runs. Artifacts are read-only after New, so a
// Pipeline is safe to share with the HTTP server.
type Pipeline struct {
	deps Deps
	log  *logrus.Logger
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	return &Pipeline{deps: deps, log: deps.Log}
}

// Run executes one cycle. It never returns an error: failures are reported
// in the Result and logged.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := p.deps.Now()
	res := p.run(ctx)
	res.Duration = p.deps.Now().Sub(start)

	runDuration.Observe(res.Duration.Seconds())
	runsTotal.WithLabelValues(string(res.State)).Inc()

	fields := logrus.Fields{
		"state":         res.State,
		"records":       res.Fetched,
		"unknown":       res.Unknown,
		"classified":    res.Classified,
		"malicious":     res.Malicious,
		"alerts_sent":   res.AlertsSent,
		"alerts_failed": res.AlertsFailed,
		"duration":      res.Duration.String(),
	}
	if res.State == StateAborted {
		abortsTotal.WithLabelValues(string(res.Stage)).Inc()
		fields["stage"] = res.Stage
		p.log.WithError(res.Err).WithFields(fields).Error("Pipeline run aborted")
	} else {
		p.log.WithFields(fields).Info("Pipeline run complete")
	}
	return res
}

func (p *Pipeline) run(ctx context.Context) Result {
	var res Result

	entries, err := p.deps.Source.Fetch(ctx, loki.LastWindow(p.deps.Now(), p.deps.Window))
	if err != nil {
		if errors.Is(err, loki.ErrMalformedResponse) {
			return aborted(res, StageParse, err)
		}
		return aborted(res, StageFetch, err)
	}

	records := make([]*types.FlowRecord, 0, len(entries))
	for i, e := range entries {
		r, err := flowlog.ParseLine(e.Timestamp, e.Line)
		if err != nil {
			return aborted(res, StageParse, fmt.Errorf("entry %d: %w", i, err))
		}
		records = append(records, r)
	}
	res.Fetched = len(records)
	recordsFetched.Add(float64(len(records)))
	if len(records) == 0 {
		p.log.Debug("No flow records in window")
		res.State = StateDone
		return res
	}

	known, unknown := p.deps.Filter.Split(records)
	res.Unknown = len(unknown)
	unknownWorkloads.Add(float64(len(unknown)))
	for _, r := range unknown {
		p.dispatch(ctx, &res, alerting.NewWorkloadAlert(r, p.deps.Now()))
	}
	if len(known) == 0 {
		if len(unknown) > 0 {
			p.log.WithField("unknown", len(unknown)).Info("All records came from unknown workloads; nothing to classify")
		}
		res.State = StateDone
		return res
	}

	rows := p.deps.Encoder.EncodeAll(known)
	numeric := make([][]float64, len(rows))
	for i := range rows {
		numeric[i] = rows[i].Numeric()
	}
	scaled, err := p.deps.Scaler.Transform(numeric)
	if err != nil {
		return aborted(res, StageScale, err)
	}
	if len(scaled) != len(rows) {
		return aborted(res, StageScale, fmt.Errorf("scaler returned %d rows for %d inputs", len(scaled), len(rows)))
	}
	for i := range rows {
		rows[i].SetNumeric(scaled[i])
	}

	results, err := p.deps.Classifier.Classify(rows)
	if err != nil {
		return aborted(res, StageClassify, err)
	}
	if len(results) != len(rows) {
		return aborted(res, StageClassify, fmt.Errorf("classifier returned %d results for %d rows", len(results), len(rows)))
	}
	res.Classified = len(results)

	for i, r := range results {
		classifications.WithLabelValues(strconv.Itoa(r.Label)).Inc()
		if r.Label != p.deps.MaliciousLabel {
			continue
		}
		res.Malicious++
		pred := &types.Prediction{Record: known[i], Label: r.Label, Confidence: r.Confidence}
		p.dispatch(ctx, &res, alerting.MaliciousTrafficAlert(pred, p.deps.Now()))
	}

	res.State = StateDone
	return res
}

// dispatch delivers a; failures are counted and never stop the run.
func (p *Pipeline) dispatch(ctx context.Context, res *Result, a *types.Alert) {
	if err := p.deps.Dispatcher.Dispatch(ctx, a); err != nil {
		res.AlertsFailed++
		return
	}
	res.AlertsSent++
}

func aborted(res Result, stage Stage, err error) Result {
	res.State = StateAborted
	res.Stage = stage
	res.Err = abort(stage, err)
	return res
}
