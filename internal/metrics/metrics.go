package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "singleid"

var (
	registerOnce sync.Once

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatches_total",
			Help:      "Outbound payloads handed to a connector.",
		},
		[]string{"chain", "protocol", "dst_chain", "success"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Inbound payloads applied to the registry.",
		},
		[]string{"chain", "protocol", "src_chain", "tag", "success"},
	)
	relays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "relays_total",
			Help:      "Messages submitted to a destination chain by a relayer.",
		},
		[]string{"transport", "src_chain", "dst_chain", "success"},
	)
	relayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "relay_duration_seconds",
			Help:      "Time a relayer spends delivering one message on its destination chain.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
	feesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "fees_collected_wei_total",
			Help:      "Native currency credited to fee balances.",
		},
		[]string{"chain", "kind"},
	)
	withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "issuer",
			Name:      "withdrawals_total",
			Help:      "Fee balance withdrawals.",
		},
		[]string{"chain", "kind"},
	)
)

// Collectors lists every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{dispatches, deliveries, relays, relayDuration, feesCollected, withdrawals}
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

func RecordDispatch(chainID uint64, protocol string, dstChainID uint64, err error) {
	RegisterMetrics()
	dispatches.WithLabelValues(chainLabel(chainID), protocol, chainLabel(dstChainID), successLabel(err)).Inc()
}

func RecordDelivery(chainID uint64, protocol string, srcChainID uint64, tag string, err error) {
	RegisterMetrics()
	deliveries.WithLabelValues(chainLabel(chainID), protocol, chainLabel(srcChainID), tag, successLabel(err)).Inc()
}

func RecordRelay(transport string, srcChainID, dstChainID uint64, elapsed time.Duration, err error) {
	RegisterMetrics()
	relays.WithLabelValues(transport, chainLabel(srcChainID), chainLabel(dstChainID), successLabel(err)).Inc()
	relayDuration.WithLabelValues(transport).Observe(elapsed.Seconds())
}

// RecordFee adds amount to the fee counter. Amounts beyond float64 precision
// are approximated.
func RecordFee(chainID uint64, kind string, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	RegisterMetrics()
	feesCollected.WithLabelValues(chainLabel(chainID), kind).Add(amount.Float64())
}

func RecordWithdrawal(chainID uint64, kind string) {
	RegisterMetrics()
	withdrawals.WithLabelValues(chainLabel(chainID), kind).Inc()
}

func chainLabel(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func successLabel(err error) string {
	return strconv.FormatBool(err == nil)
}
