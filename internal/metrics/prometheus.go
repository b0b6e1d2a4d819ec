package metrics

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

// Collectors mirror payment outcomes into prometheus so deployments can
// scrape the gateway alongside everything else.
type Collectors struct {
	paymentsTotal *prometheus.CounterVec
	revenueTotal  *prometheus.CounterVec
}

// NewCollectors registers the payment counters with reg. Pass an isolated
// registry in tests.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		paymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "payments_total",
				Help:      "Total number of completed payment attempts.",
			},
			[]string{"endpoint", "status"},
		),
		revenueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "revenue_units_total",
				Help:      "Settled revenue in the asset's smallest unit.",
			},
			[]string{"endpoint"},
		),
	}
	reg.MustRegister(c.paymentsTotal, c.revenueTotal)
	return c
}

func (c *Collectors) observe(tx Transaction) {
	c.paymentsTotal.WithLabelValues(tx.Endpoint, tx.Status).Inc()
	if tx.Status == StatusSuccess {
		c.revenueTotal.WithLabelValues(tx.Endpoint).Add(float64(tx.Amount))
	}
}

// ExpositionHandler serves the prometheus text format. An optional
// ?endpoint= query arg filters metric families down to the series carrying
// that endpoint label; families without the label pass through untouched.
func ExpositionHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		endpoint := string(ctx.QueryArgs().Peek("endpoint"))

		metricFamilies, err := gatherer.Gather()
		if err != nil {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			ctx.SetBodyString("failed to gather metrics")
			return
		}

		if endpoint != "" {
			metricFamilies = filterByEndpoint(metricFamilies, endpoint)
		}

		var buf bytes.Buffer
		encoder := expfmt.NewEncoder(&buf, expfmt.FmtText)
		for _, mf := range metricFamilies {
			if err := encoder.Encode(mf); err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(expfmt.FmtText))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

func filterByEndpoint(families []*dto.MetricFamily, endpoint string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		hasLabel := false
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" {
					hasLabel = true
					break
				}
			}
			if hasLabel {
				break
			}
		}
		if !hasLabel {
			filtered = append(filtered, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == endpoint {
					kept = append(kept, m)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}
