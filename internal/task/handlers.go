package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Task types run by the default daily profile.
const (
	TypeDemandAnalysis    = "demand-analysis"
	TypeRateSync          = "rate-sync"
	TypeAnomalyScan       = "anomaly-scan"
	TypeGhostBookingSweep = "ghost-booking-sweep"
)

// DefaultHandlers returns the built-in handlers for the standard daily
// tasks. They operate on data carried in the trigger payload, so runs
// are reproducible from the ledger's input hash alone.
func DefaultHandlers() []Handler {
	return []Handler{
		HandlerFunc(TypeDemandAnalysis, demandAnalysis),
		HandlerFunc(TypeRateSync, rateSync),
		HandlerFunc(TypeAnomalyScan, anomalyScan),
		HandlerFunc(TypeGhostBookingSweep, ghostBookingSweep),
	}
}

// demandAnalysis computes per-day occupancy from booking counts and
// flags days above the high-demand threshold.
func demandAnalysis(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	capacity, ok := asFloat(payload["capacity"])
	if !ok || capacity <= 0 {
		return nil, fmt.Errorf("demand-analysis: payload missing positive capacity")
	}
	threshold, ok := asFloat(payload["high_demand_threshold"])
	if !ok {
		threshold = 0.85
	}

	bookings, _ := payload["bookings_by_day"].(map[string]interface{})
	var highDemand []string
	var total float64
	for day, raw := range bookings {
		count, ok := asFloat(raw)
		if !ok {
			return nil, fmt.Errorf("demand-analysis: booking count for %s is not a number", day)
		}
		occupancy := count / capacity
		total += occupancy
		if occupancy >= threshold {
			highDemand = append(highDemand, day)
		}
	}
	sort.Strings(highDemand)

	avg := 0.0
	if len(bookings) > 0 {
		avg = total / float64(len(bookings))
	}
	return map[string]interface{}{
		"days_analyzed":     len(bookings),
		"average_occupancy": avg,
		"high_demand_days":  highDemand,
	}, nil
}

// rateSync compares channel rates against the base rate and reports
// channels drifted beyond tolerance.
func rateSync(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	baseRate, ok := asFloat(payload["base_rate"])
	if !ok || baseRate <= 0 {
		return nil, fmt.Errorf("rate-sync: payload missing positive base_rate")
	}
	maxDriftPct, ok := asFloat(payload["max_drift_pct"])
	if !ok {
		maxDriftPct = 5.0
	}

	channelRates, _ := payload["channel_rates"].(map[string]interface{})
	var drifted []string
	inSync := 0
	for channel, raw := range channelRates {
		rate, ok := asFloat(raw)
		if !ok {
			return nil, fmt.Errorf("rate-sync: rate for channel %s is not a number", channel)
		}
		driftPct := (rate - baseRate) / baseRate * 100
		if driftPct < 0 {
			driftPct = -driftPct
		}
		if driftPct > maxDriftPct {
			drifted = append(drifted, channel)
		} else {
			inSync++
		}
	}
	sort.Strings(drifted)

	return map[string]interface{}{
		"channels_checked": len(channelRates),
		"in_sync":          inSync,
		"drifted":          drifted,
	}, nil
}

// anomalyScan flags bookings with impossible rates or stay lengths.
func anomalyScan(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	records, _ := payload["bookings"].([]interface{})

	var anomalies []string
	for i, raw := range records {
		booking, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("anomaly-scan: booking %d is not an object", i)
		}
		id, _ := booking["id"].(string)
		if id == "" {
			id = fmt.Sprintf("index-%d", i)
		}
		rate, _ := asFloat(booking["rate"])
		nights, _ := asFloat(booking["nights"])
		if rate <= 0 || nights <= 0 || nights > 30 {
			anomalies = append(anomalies, id)
		}
	}
	sort.Strings(anomalies)

	return map[string]interface{}{
		"scanned":       len(records),
		"anomaly_count": len(anomalies),
		"anomalies":     anomalies,
	}, nil
}

// ghostBookingSweep finds unconfirmed holds older than the hold window.
// The reference time comes from the payload so a run's output is a pure
// function of its input.
func ghostBookingSweep(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	holdMinutes, ok := asFloat(payload["hold_minutes"])
	if !ok || holdMinutes <= 0 {
		holdMinutes = 30
	}

	now := time.Now().UTC()
	if ref, ok := payload["as_of"].(string); ok {
		parsed, err := time.Parse(time.RFC3339, ref)
		if err != nil {
			return nil, fmt.Errorf("ghost-booking-sweep: bad as_of timestamp: %w", err)
		}
		now = parsed
	}

	holds, _ := payload["holds"].([]interface{})
	var swept []string
	active := 0
	for i, raw := range holds {
		hold, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("ghost-booking-sweep: hold %d is not an object", i)
		}
		confirmed, _ := hold["confirmed"].(bool)
		if confirmed {
			active++
			continue
		}
		createdRaw, _ := hold["created_at"].(string)
		created, err := time.Parse(time.RFC3339, createdRaw)
		if err != nil {
			return nil, fmt.Errorf("ghost-booking-sweep: hold %d has bad created_at: %w", i, err)
		}
		if now.Sub(created) > time.Duration(holdMinutes)*time.Minute {
			id, _ := hold["id"].(string)
			if id == "" {
				id = fmt.Sprintf("index-%d", i)
			}
			swept = append(swept, id)
		} else {
			active++
		}
	}
	sort.Strings(swept)

	return map[string]interface{}{
		"holds_checked": len(holds),
		"swept_count":   len(swept),
		"swept":         swept,
		"still_active":  active,
	}, nil
}

// asFloat normalizes the numeric types JSON decoding and literal Go
// payloads produce.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
