package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/meshguard/internal/detection"
	"github.com/invisible-tech/meshguard/internal/types"
	"github.com/invisible-tech/meshguard/pkg/classifier"
	"github.com/invisible-tech/meshguard/pkg/features"
	"github.com/invisible-tech/meshguard/pkg/loki"
)

type fakeSource struct {
	entries []loki.Entry
	err     error
	calls   int
	window  loki.Window
}

func (s *fakeSource) Fetch(ctx context.Context, w loki.Window) ([]loki.Entry, error) {
	s.calls++
	s.window = w
	return s.entries, s.err
}

type fakeScaler struct {
	err   error
	calls int
}

func (s *fakeScaler) Transform(rows [][]float64) ([][]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return rows, nil
}

type fakeClassifier struct {
	label int
	err   error
	calls int
	rows  []types.EncodedFeatures
}

func (c *fakeClassifier) Classify(rows []types.EncodedFeatures) ([]classifier.Result, error) {
	c.calls++
	c.rows = append(c.rows, rows...)
	if c.err != nil {
		return nil, c.err
	}
	out := make([]classifier.Result, len(rows))
	for i := range out {
		out[i] = classifier.Result{Label: c.label, Confidence: 0.9}
	}
	return out, nil
}

type recordingDispatcher struct {
	alerts []*types.Alert
	err    error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, a *types.Alert) error {
	d.alerts = append(d.alerts, a)
	a.Delivered = d.err == nil
	return d.err
}

func testVocabulary(t *testing.T) *features.Vocabulary {
	t.Helper()
	v, err := features.NewVocabulary(features.VocabularySpec{
		Version:              "test-v1",
		SourceWorkloads:      map[string]int{"frontend": 6, "istio-ingress": 7},
		DestinationWorkloads: map[string]int{"frontend": 6, "istiod": 7},
		Namespaces:           map[string]int{"backend-ns": 0, "frontend-ns": 3, "istio-system": 4},
		Directions:           map[string]int{"inbound": 0, "outbound": 1},
	})
	if err != nil {
		t.Fatalf("NewVocabulary: %v", err)
	}
	return v
}

func flowLine(src, dst string) string {
	return fmt.Sprintf("src=%s,dst=%s,src_ns=istio-system,dst_ns=frontend-ns,direction=inbound,bytes_sent=100,bytes_recv=200,duration=5ms", src, dst)
}

type harness struct {
	source     *fakeSource
	scaler     *fakeScaler
	classifier *fakeClassifier
	dispatcher *recordingDispatcher
	pipeline   *Pipeline
}

func newHarness(t *testing.T, entries ...loki.Entry) *harness {
	h := &harness{
		source:     &fakeSource{entries: entries},
		scaler:     &fakeScaler{},
		classifier: &fakeClassifier{label: 1},
		dispatcher: &recordingDispatcher{},
	}
	h.pipeline = New(Deps{
		Source:     h.source,
		Filter:     detection.NewFilter([]string{"istio-ingress", "frontend"}),
		Encoder:    features.NewEncoder(testVocabulary(t)),
		Scaler:     h.scaler,
		Classifier: h.classifier,
		Dispatcher: h.dispatcher,
		Log:        logrus.New(),
		Window:     90 * time.Second,
	})
	return h
}

func TestRun_KnownWorkloadMalicious(t *testing.T) {
	h := newHarness(t, loki.Entry{Timestamp: "1700000000000000000", Line: flowLine("istio-ingress-7f9c4b8d6-abc12", "frontend-abc-123")})
	h.classifier.label = 0

	res := h.pipeline.Run(context.Background())
	if res.State != StateDone || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if h.classifier.calls != 1 || len(h.classifier.rows) != 1 {
		t.Fatalf("classifier calls = %d rows = %d", h.classifier.calls, len(h.classifier.rows))
	}
	row := h.classifier.rows[0]
	if row.SourceWorkload != 7 || row.SourceNamespace != 4 || row.DestinationNamespace != 3 || row.Direction != 0 {
		t.Errorf("encoded row = %+v", row)
	}
	if row.DestinationWorkload != features.Unknown {
		t.Errorf("frontend-abc-123 should encode as unknown, got %d", row.DestinationWorkload)
	}
	if row.Duration != 5 {
		t.Errorf("duration = %v, want 5", row.Duration)
	}

	if len(h.dispatcher.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(h.dispatcher.alerts))
	}
	a := h.dispatcher.alerts[0]
	if a.Kind != types.AlertMaliciousTraffic {
		t.Errorf("kind = %q", a.Kind)
	}
	for _, want := range []string{"istio-ingress-7f9c4b8d6-abc12", "frontend-abc-123", "istio-system → frontend-ns", "inbound", "Bytes sent: 100", "Bytes recv: 200", "Duration: 5"} {
		if !strings.Contains(a.Message, want) {
			t.Errorf("message missing %q:\n%s", want, a.Message)
		}
	}
	if res.Malicious != 1 || res.AlertsSent != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_KnownWorkloadBenign(t *testing.T) {
	h := newHarness(t, loki.Entry{Timestamp: "1", Line: flowLine("frontend", "istiod-5d8f7c9b4-q2w3e")})

	res := h.pipeline.Run(context.Background())
	if res.State != StateDone || res.Classified != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(h.dispatcher.alerts) != 0 {
		t.Errorf("benign traffic should not alert, got %d", len(h.dispatcher.alerts))
	}
	if got := h.classifier.rows[0].DestinationWorkload; got != 7 {
		t.Errorf("istiod replica should encode as 7, got %d", got)
	}
}

func TestRun_UnknownWorkload(t *testing.T) {
	h := newHarness(t, loki.Entry{Timestamp: "1", Line: flowLine("crypto-miner-xyz", "frontend")})

	res := h.pipeline.Run(context.Background())
	if res.State != StateDone || res.Unknown != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.classifier.calls != 0 || h.scaler.calls != 0 {
		t.Errorf("unknown workload reached the model: scaler=%d classifier=%d", h.scaler.calls, h.classifier.calls)
	}
	if len(h.dispatcher.alerts) != 1 || h.dispatcher.alerts[0].Kind != types.AlertNewWorkload {
		t.Fatalf("alerts = %+v", h.dispatcher.alerts)
	}
	if !strings.Contains(h.dispatcher.alerts[0].Message, "NEW POD DETECTED") {
		t.Errorf("message = %s", h.dispatcher.alerts[0].Message)
	}
}

func TestRun_MixedBatch(t *testing.T) {
	h := newHarness(t,
		loki.Entry{Timestamp: "1", Line: flowLine("crypto-miner-xyz", "frontend")},
		loki.Entry{Timestamp: "2", Line: flowLine("frontend", "istiod")},
		loki.Entry{Timestamp: "3", Line: flowLine("port-scanner", "frontend")},
		loki.Entry{Timestamp: "4", Line: flowLine("istio-ingress", "frontend")},
	)
	h.classifier.label = 0

	res := h.pipeline.Run(context.Background())
	if res.Unknown != 2 || res.Classified != 2 || res.Malicious != 2 {
		t.Fatalf("result = %+v", res)
	}
	var kinds []types.AlertKind
	for _, a := range h.dispatcher.alerts {
		kinds = append(kinds, a.Kind)
	}
	want := []types.AlertKind{types.AlertNewWorkload, types.AlertNewWorkload, types.AlertMaliciousTraffic, types.AlertMaliciousTraffic}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Errorf("alert order = %v, want %v", kinds, want)
	}
	if h.dispatcher.alerts[2].Record.Timestamp != "2" || h.dispatcher.alerts[3].Record.Timestamp != "4" {
		t.Error("malicious alerts should follow input order")
	}
}

func TestRun_FetchFailure(t *testing.T) {
	h := newHarness(t)
	h.source.err = context.DeadlineExceeded

	res := h.pipeline.Run(context.Background())
	if res.State != StateAborted || res.Stage != StageFetch {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, ErrFetch) || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v", res.Err)
	}
	var ae *AbortError
	if !errors.As(res.Err, &ae) || ae.Stage != StageFetch {
		t.Errorf("err should be an AbortError, got %T", res.Err)
	}
	if len(h.dispatcher.alerts) != 0 {
		t.Errorf("aborted fetch sent %d alerts", len(h.dispatcher.alerts))
	}

	// The next run is independent of the failed one.
	h.source.err = nil
	h.source.entries = []loki.Entry{{Timestamp: "1", Line: flowLine("frontend", "istiod")}}
	if res := h.pipeline.Run(context.Background()); res.State != StateDone || res.Classified != 1 {
		t.Errorf("second run = %+v", res)
	}
}

func TestRun_MalformedResponseIsParseFailure(t *testing.T) {
	h := newHarness(t)
	h.source.err = fmt.Errorf("decode: %w", loki.ErrMalformedResponse)

	res := h.pipeline.Run(context.Background())
	if res.State != StateAborted || res.Stage != StageParse || !errors.Is(res.Err, ErrParse) {
		t.Fatalf("result = %+v", res)
	}
}

func TestRun_BadCounterAbortsBatch(t *testing.T) {
	h := newHarness(t,
		loki.Entry{Timestamp: "1", Line: flowLine("crypto-miner-xyz", "frontend")},
		loki.Entry{Timestamp: "2", Line: "src=frontend,dst=istiod,bytes_sent=lots"},
	)

	res := h.pipeline.Run(context.Background())
	if res.State != StateAborted || res.Stage != StageParse {
		t.Fatalf("result = %+v", res)
	}
	if len(h.dispatcher.alerts) != 0 {
		t.Errorf("parse failure must abort before any alert, got %d", len(h.dispatcher.alerts))
	}
}

func TestRun_ZeroRows(t *testing.T) {
	h := newHarness(t)

	res := h.pipeline.Run(context.Background())
	if res.State != StateDone || res.Err != nil || res.Fetched != 0 {
		t.Fatalf("result = %+v", res)
	}
	if h.classifier.calls != 0 || len(h.dispatcher.alerts) != 0 {
		t.Errorf("classifier calls = %d alerts = %d", h.classifier.calls, len(h.dispatcher.alerts))
	}
}

func TestRun_ScaleFailureAfterUnknownAlerts(t *testing.T) {
	h := newHarness(t,
		loki.Entry{Timestamp: "1", Line: flowLine("crypto-miner-xyz", "frontend")},
		loki.Entry{Timestamp: "2", Line: flowLine("frontend", "istiod")},
	)
	h.scaler.err = errors.New("row 0 column 2 is not finite")
	h.classifier.label = 0

	res := h.pipeline.Run(context.Background())
	if res.State != StateAborted || res.Stage != StageScale || !errors.Is(res.Err, ErrScale) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.dispatcher.alerts) != 1 || h.dispatcher.alerts[0].Kind != types.AlertNewWorkload {
		t.Errorf("only the unknown workload alert should be sent, got %+v", h.dispatcher.alerts)
	}
	if h.classifier.calls != 0 {
		t.Error("classifier must not run after a scale failure")
	}
}

func TestRun_ClassifyFailure(t *testing.T) {
	h := newHarness(t, loki.Entry{Timestamp: "1", Line: flowLine("frontend", "istiod")})
	h.classifier.err = errors.New("model returned 0 predictions for 1 rows")

	res := h.pipeline.Run(context.Background())
	if res.State != StateAborted || res.Stage != StageClassify || !errors.Is(res.Err, ErrClassify) {
		t.Fatalf("result = %+v", res)
	}
	if len(h.dispatcher.alerts) != 0 {
		t.Errorf("aborted classification sent %d alerts", len(h.dispatcher.alerts))
	}
}

func TestRun_DeliveryFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t,
		loki.Entry{Timestamp: "1", Line: flowLine("crypto-miner-xyz", "frontend")},
		loki.Entry{Timestamp: "2", Line: flowLine("frontend", "istiod")},
	)
	h.dispatcher.err = errors.New("unexpected status code: 500")
	h.classifier.label = 0

	res := h.pipeline.Run(context.Background())
	if res.State != StateDone {
		t.Fatalf("result = %+v", res)
	}
	if res.AlertsFailed != 2 || res.AlertsSent != 0 || len(h.dispatcher.alerts) != 2 {
		t.Errorf("result = %+v, attempts = %d", res, len(h.dispatcher.alerts))
	}
}

func TestRun_MaliciousLabelIsConfigurable(t *testing.T) {
	h := newHarness(t, loki.Entry{Timestamp: "1", Line: flowLine("frontend", "istiod")})
	h.pipeline.deps.MaliciousLabel = 1
	h.classifier.label = 1

	res := h.pipeline.Run(context.Background())
	if res.Malicious != 1 || len(h.dispatcher.alerts) != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_QueryWindow(t *testing.T) {
	h := newHarness(t)
	now := time.Unix(1700000000, 0)
	h.pipeline.deps.Now = func() time.Time { return now }

	h.pipeline.Run(context.Background())
	if !h.source.window.End.Equal(now) || h.source.window.End.Sub(h.source.window.Start) != 90*time.Second {
		t.Errorf("window = %+v", h.source.window)
	}
}

func TestRun_WithForestAndScaler(t *testing.T) {
	forest := &classifier.Forest{
		NFeatures: types.FeatureWidth,
		Classes:   []int{0, 1},
		Trees: []classifier.Tree{{
			// Scaled bytes_sent above 1 is malicious.
			ChildrenLeft:  []int{1, -1, -1},
			ChildrenRight: []int{2, -1, -1},
			Feature:       []int{0, -2, -2},
			Threshold:     []float64{1, -2, -2},
			Value:         [][]float64{{0, 0}, {1, 3}, {3, 1}},
		}},
	}
	if err := forest.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	scaler, err := features.NewRobustScaler([]float64{100, 0, 0}, []float64{50, 1, 1}, true, true)
	if err != nil {
		t.Fatalf("NewRobustScaler: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	p := New(Deps{
		Source: &fakeSource{entries: []loki.Entry{
			{Timestamp: "1", Line: "src=frontend,dst=istiod,src_ns=frontend-ns,dst_ns=istio-system,direction=outbound,bytes_sent=120,bytes_recv=10,duration=1"},
			{Timestamp: "2", Line: "src=frontend,dst=istiod,src_ns=frontend-ns,dst_ns=istio-system,direction=outbound,bytes_sent=400,bytes_recv=10,duration=1"},
		}},
		Filter:     detection.NewFilter([]string{"frontend"}),
		Encoder:    features.NewEncoder(testVocabulary(t)),
		Scaler:     scaler,
		Classifier: classifier.NewAdapter(forest),
		Dispatcher: dispatcher,
		Log:        logrus.New(),
		Window:     time.Minute,
	})

	res := p.Run(context.Background())
	if res.State != StateDone || res.Classified != 2 || res.Malicious != 1 {
		t.Fatalf("result = %+v", res)
	}
	a := dispatcher.alerts[0]
	if a.Record.Timestamp != "2" || a.Prediction.Confidence != 0.75 {
		t.Errorf("alert = %+v prediction = %+v", a, a.Prediction)
	}
	if !strings.Contains(a.Message, "Bytes sent: 400") {
		t.Errorf("alert should carry the unscaled bytes:\n%s", a.Message)
	}
}

func TestAbortError(t *testing.T) {
	err := abort(StageScale, errors.New("boom"))
	if err.Error() != "scaling failed: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if errors.Is(err, ErrFetch) {
		t.Error("scale abort should not match ErrFetch")
	}
}
