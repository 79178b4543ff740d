package rewards

import "github.com/prometheus/client_golang/prometheus"

var (
	earnTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_earn_total",
		Help: "Earn operations by outcome.",
	}, []string{"outcome"})
	redeemTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_redeem_total",
		Help: "Redeem operations by outcome.",
	}, []string{"outcome"})
	loadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rewards_load_total",
		Help: "Ledger loads by snapshot source.",
	}, []string{"source"})
	pointsEarned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewards_points_earned_total",
		Help: "Points credited to ledgers.",
	})
	pointsRedeemed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rewards_points_redeemed_total",
		Help: "Points spent on rewards.",
	})
)

func init() {
	prometheus.MustRegister(earnTotal, redeemTotal, loadTotal, pointsEarned, pointsRedeemed)
}

const (
	outcomeOK           = "ok"
	outcomeReplayed     = "replayed"
	outcomeRejected     = "rejected"
	outcomeInsufficient = "insufficient"
	outcomeConflict     = "conflict"
	outcomeError        = "error"
)
