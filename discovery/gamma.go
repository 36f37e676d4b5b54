package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/time/rate"

	appconfig "polyflow/config"
	"polyflow/logger"
	"polyflow/models"
)

// Poller queries the Gamma catalog for the active events of each configured
// series and turns them into the instrument snapshot consumed by the
// subscription engine. One series maps to one bucket and a sliding window of
// future-resolving events; every market contributes both of its outcome
// tokens.
type Poller struct {
	cfg        *appconfig.Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

func NewPoller(cfg *appconfig.Config) *Poller {
	timeout := cfg.Discovery.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rps := cfg.Discovery.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Discovery.Burst
	if burst <= 0 {
		burst = rps
	}

	return &Poller{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: userAgentTransport{agent: "polyflow/" + cfg.Polyflow.Version, base: http.DefaultTransport},
			Timeout:   timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// Poll fetches the current snapshot across all configured series. Any series
// failure fails the whole poll so the caller never sees a partial snapshot
// that would unsubscribe healthy instruments.
func (p *Poller) Poll(ctx context.Context) ([]models.Instrument, error) {
	now := time.Now().UTC()

	var snapshot []models.Instrument
	for _, series := range p.cfg.Discovery.Series {
		insts, err := p.pollSeries(ctx, series, now)
		if err != nil {
			return nil, fmt.Errorf("series %s: %w", series.Slug, err)
		}
		snapshot = append(snapshot, insts...)
	}

	p.log.WithComponent("discovery").WithFields(logger.Fields{
		"instruments": len(snapshot),
		"series":      len(p.cfg.Discovery.Series),
	}).Debug("discovery snapshot fetched")

	return snapshot, nil
}

type gammaEvent struct {
	Slug    string        `json:"slug"`
	EndDate string        `json:"endDate"`
	Markets []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID string `json:"conditionId"`
	Slug        string `json:"slug"`
	EndDate     string `json:"endDate"`
	// clobTokenIds arrives as a JSON-encoded array string.
	ClobTokenIDs string `json:"clobTokenIds"`
}

func (p *Poller) pollSeries(ctx context.Context, series appconfig.SeriesConfig, now time.Time) ([]models.Instrument, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/events?series_slug=%s&closed=false", p.cfg.Discovery.URL, url.QueryEscape(series.Slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build events request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("events request returned status %d", resp.StatusCode)
	}

	var events []gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}

	bucket := models.Bucket(series.Bucket)
	log := p.log.WithComponent("discovery").WithFields(logger.Fields{"series": series.Slug, "bucket": bucket})

	// Keep only future-resolving events, ascending by end date, limited to
	// the configured window (current market plus the next few).
	type timedEvent struct {
		end time.Time
		ev  gammaEvent
	}
	future := make([]timedEvent, 0, len(events))
	for _, ev := range events {
		end, err := time.Parse(time.RFC3339, ev.EndDate)
		if err != nil {
			log.WithFields(logger.Fields{"event": ev.Slug, "end_date": ev.EndDate}).Warn("event has unparseable end date, skipping")
			continue
		}
		if end.After(now) {
			future = append(future, timedEvent{end: end, ev: ev})
		}
	}
	sort.Slice(future, func(i, j int) bool { return future[i].end.Before(future[j].end) })
	if len(future) > series.Window {
		future = future[:series.Window]
	}

	var insts []models.Instrument
	for _, te := range future {
		for _, market := range te.ev.Markets {
			tokenIDs, err := parseTokenIDs(market.ClobTokenIDs)
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"market": market.Slug}).Warn("market has unparseable token ids, skipping")
				continue
			}
			expiry := te.end
			if market.EndDate != "" {
				if end, err := time.Parse(time.RFC3339, market.EndDate); err == nil {
					expiry = end
				}
			}
			for _, tokenID := range tokenIDs {
				if tokenID == "" {
					continue
				}
				insts = append(insts, models.Instrument{
					AssetID:     tokenID,
					ConditionID: market.ConditionID,
					Slug:        te.ev.Slug,
					Bucket:      bucket,
					Expiry:      expiry,
				})
			}
		}
	}

	return insts, nil
}

// parseTokenIDs decodes the doubly-encoded clobTokenIds field.
func parseTokenIDs(raw string) ([]string, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty clobTokenIds")
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("invalid clobTokenIds %q: %w", raw, err)
	}
	return ids, nil
}
