package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted by the checkout pipeline.
const (
	MetricOrdersConfirmed       = "OrdersConfirmed"
	MetricDuplicateConfirmation = "DuplicateConfirmation"
	MetricInsufficientStock     = "InsufficientStock"
	MetricTotalsMismatch        = "TotalsMismatch"
	MetricRefundsIssued         = "RefundsIssued"
	MetricReconciliationGap     = "RefundReconciliationGap"
	MetricPaidWithoutOrder      = "PaidWithoutOrder"
)

// maxDatumsPerPut is CloudWatch's limit on datums per PutMetricData call.
const maxDatumsPerPut = 1000

type counterKey struct {
	name, tenantID string
}

// Metrics buffers business counters in memory and publishes them to
// CloudWatch on Flush. A nil *Metrics or a Metrics without client is a
// no-op, so local runs need no CloudWatch.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	nowFunc   func() time.Time

	mu      sync.Mutex
	pending map[counterKey]float64
}

// NewMetrics returns a Metrics publishing under namespace.
func NewMetrics(client CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
		pending:   map[counterKey]float64{},
	}
}

// Count records a single occurrence of name, dimensioned by tenant when
// given. It does no I/O.
func (m *Metrics) Count(ctx context.Context, name, tenantID string) error {
	if m == nil || m.client == nil {
		return nil
	}
	m.mu.Lock()
	m.pending[counterKey{name, tenantID}]++
	m.mu.Unlock()
	return nil
}

// Flush publishes the counts recorded since the last flush. Counts that
// fail to publish are dropped.
func (m *Metrics) Flush(ctx context.Context) error {
	if m == nil || m.client == nil {
		return nil
	}
	m.mu.Lock()
	pending := m.pending
	m.pending = map[counterKey]float64{}
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	now := m.nowFunc()
	data := make([]cwtypes.MetricDatum, 0, len(pending))
	for k, v := range pending {
		datum := cwtypes.MetricDatum{
			MetricName: awsString(k.name),
			Timestamp:  &now,
			Unit:       cwtypes.StandardUnitCount,
			Value:      float64Ptr(v),
		}
		if k.tenantID != "" {
			datum.Dimensions = []cwtypes.Dimension{
				{Name: awsString("TenantID"), Value: awsString(k.tenantID)},
			}
		}
		data = append(data, datum)
	}

	var errs []error
	for start := 0; start < len(data); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(data))
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  awsString(m.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("put metric data: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (m *Metrics) Run(ctx context.Context, interval time.Duration) {
	if m == nil || m.client == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := m.Flush(final); err != nil {
				slog.Warn("final metrics flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				slog.WarnContext(ctx, "metrics flush failed", "error", err)
			}
		}
	}
}

func float64Ptr(f float64) *float64 { return &f }
