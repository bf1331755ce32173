package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(creditDebitsTotal, creditRefundsTotal, creditDeniedTotal, creditPurchasedTotal,
		subscriptionsExpiredTotal)
}

var creditDebitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_debits_total",
		Help: "Successful credit debits by source bucket.",
	},
	[]string{"source"}, // 'free', 'subscription', 'paid', 'store_b2b'
)

var creditRefundsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_refunds_total",
		Help: "Credit refunds by source bucket.",
	},
	[]string{"source"},
)

var creditDeniedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credit_checks_denied_total",
		Help: "Denied admission checks by error code.",
	},
	[]string{"code"}, // 'no_credits', 'auth_required'
)

var creditPurchasedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "credits_purchased_total",
		Help: "Units added via top-up, by bucket.",
	},
	[]string{"source"},
)

var subscriptionsExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "subscriptions_expired_total",
		Help: "Subscriptions flipped to 'none' by the expiry sweep.",
	},
)

func IncDebit(source string)  { creditDebitsTotal.WithLabelValues(norm(source)).Inc() }
func IncRefund(source string) { creditRefundsTotal.WithLabelValues(norm(source)).Inc() }
func IncDenied(code string)   { creditDeniedTotal.WithLabelValues(norm(code)).Inc() }

func AddPurchased(source string, amount int) {
	creditPurchasedTotal.WithLabelValues(norm(source)).Add(float64(amount))
}

func IncSubscriptionsExpired(n int) { subscriptionsExpiredTotal.Add(float64(n)) }
