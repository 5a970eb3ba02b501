package alerting

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/meshguard/internal/types"
)

var alertsDispatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meshguard_alerts_total",
		Help: "Alerts dispatched, by kind and delivery outcome",
	},
	[]string{"kind", "outcome"},
)

func init() {
	prometheus.MustRegister(alertsDispatched)
}

// Notifier delivers one message to the alert sink.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Dispatcher sends alerts through a Notifier, one attempt per alert.
type Dispatcher struct {
	notifier Notifier
	log      *logrus.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(notifier Notifier, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, log: log}
}

// Dispatch delivers a and records the outcome on it. A delivery error is
// logged and returned for accounting only; it is never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, a *types.Alert) error {
	if a.Message == "" {
		a.Message = FormatMessage(a)
	}

	fields := logrus.Fields{
		"alert_id":    a.ID,
		"kind":        a.Kind,
		"source":      a.Record.Source.Raw,
		"destination": a.Record.Destination.Raw,
		"src_ns":      a.Record.SourceNamespace,
		"dst_ns":      a.Record.DestinationNamespace,
	}
	if a.Prediction != nil {
		fields["label"] = a.Prediction.Label
		fields["confidence"] = a.Prediction.Confidence
	}

	err := d.notifier.Notify(ctx, a.Message)
	a.Delivered = err == nil
	if err != nil {
		alertsDispatched.WithLabelValues(string(a.Kind), "failed").Inc()
		d.log.WithError(err).WithFields(fields).Error("Failed to deliver alert")
		return err
	}

	alertsDispatched.WithLabelValues(string(a.Kind), "sent").Inc()
	d.log.WithFields(fields).Warn("SECURITY ALERT")
	return nil
}
