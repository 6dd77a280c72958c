package rules

import (
	"strings"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// MetricsSampleLimit caps the unique sample domains kept per bucket.
const MetricsSampleLimit = 10

// ProcessingResults aggregates one rules job's outcomes.
type ProcessingResults struct {
	AlertsCreated     int                  `json:"alerts_created"`
	DomainsProcessed  int                  `json:"domains_processed"`
	EventsSkipped     int                  `json:"events_skipped"`
	ProcessingTime    time.Duration        `json:"processing_time"`
	UnknownDomains    int                  `json:"unknown_domains"`
	IOCHostMatches    int                  `json:"ioc_host_matches"`
	ErrorsEncountered int                  `json:"errors_encountered"`
	IsDryRun          bool                 `json:"is_dry_run"`
	AlertMode         model.SiteAlertMode  `json:"alert_mode"`
	WouldAlertUnknown []string             `json:"would_alert_unknown,omitempty"`
	WouldAlertIOC     []string             `json:"would_alert_ioc,omitempty"`
	UnknownDomain     UnknownDomainMetrics `json:"unknown_domain"`
	IOC               IOCMetrics           `json:"ioc"`
}

// MetricsBucket counts one outcome and keeps a bounded set of sample
// domains for operator context.
type MetricsBucket struct {
	Count   int      `json:"count"`
	Samples []string `json:"samples,omitempty"`
}

// Record counts the outcome and samples the domain, up to
// MetricsSampleLimit unique entries.
func (b *MetricsBucket) Record(domain string) {
	if b == nil {
		return
	}
	b.Count++
	appendSample(&b.Samples, domain)
}

// Merge folds another bucket into this one, preserving the sample limit.
func (b *MetricsBucket) Merge(other MetricsBucket) {
	if b == nil {
		return
	}
	b.Count += other.Count
	for _, sample := range other.Samples {
		appendSample(&b.Samples, sample)
	}
}

func appendSample(samples *[]string, domain string) {
	if samples == nil {
		return
	}
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return
	}
	for _, existing := range *samples {
		if strings.EqualFold(existing, domain) {
			return
		}
	}
	if len(*samples) < MetricsSampleLimit {
		*samples = append(*samples, domain)
	}
}

// UnknownDomainMetrics buckets unknown-domain evaluation outcomes.
type UnknownDomainMetrics struct {
	Alerted             MetricsBucket `json:"alerted"`
	AlertedDryRun       MetricsBucket `json:"alerted_dry_run"`
	AlertedMuted        MetricsBucket `json:"alerted_muted"`
	SuppressedAllowlist MetricsBucket `json:"suppressed_allowlist"`
	SuppressedSeen      MetricsBucket `json:"suppressed_seen"`
	SuppressedDedupe    MetricsBucket `json:"suppressed_dedupe"`
	NormalizationFailed MetricsBucket `json:"normalization_failed"`
	Errors              MetricsBucket `json:"errors"`
}

// IOCMetrics buckets IOC evaluation outcomes.
type IOCMetrics struct {
	Matches       MetricsBucket `json:"matches"`
	MatchesDryRun MetricsBucket `json:"matches_dry_run"`
	Alerts        MetricsBucket `json:"alerts"`
	AlertsMuted   MetricsBucket `json:"alerts_muted"`
}

// MergeUnknownDomainMetrics folds src into dst bucket by bucket.
func MergeUnknownDomainMetrics(dst *UnknownDomainMetrics, src UnknownDomainMetrics) {
	if dst == nil {
		return
	}
	dst.Alerted.Merge(src.Alerted)
	dst.AlertedDryRun.Merge(src.AlertedDryRun)
	dst.AlertedMuted.Merge(src.AlertedMuted)
	dst.SuppressedAllowlist.Merge(src.SuppressedAllowlist)
	dst.SuppressedSeen.Merge(src.SuppressedSeen)
	dst.SuppressedDedupe.Merge(src.SuppressedDedupe)
	dst.NormalizationFailed.Merge(src.NormalizationFailed)
	dst.Errors.Merge(src.Errors)
}

// MergeIOCMetrics folds src into dst bucket by bucket.
func MergeIOCMetrics(dst *IOCMetrics, src IOCMetrics) {
	if dst == nil {
		return
	}
	dst.Matches.Merge(src.Matches)
	dst.MatchesDryRun.Merge(src.MatchesDryRun)
	dst.Alerts.Merge(src.Alerts)
	dst.AlertsMuted.Merge(src.AlertsMuted)
}

// AppendUniqueLower appends the lower-cased value unless already present.
func AppendUniqueLower(list *[]string, value string) {
	if list == nil {
		return
	}
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return
	}
	for _, existing := range *list {
		if existing == v {
			return
		}
	}
	*list = append(*list, v)
}
