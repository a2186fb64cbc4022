package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"wow-token-tracker/internal/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

type samplePayload struct {
	Timestamp time.Time `json:"ts"`
	PriceGold int64     `json:"price_gold"`
	EMA       *int64    `json:"ema,omitempty"`
	ChangeAbs *int64    `json:"change_abs,omitempty"`
	ChangePct *string   `json:"change_pct,omitempty"`
}

type latestPayload struct {
	Region  string        `json:"region"`
	Latest  samplePayload `json:"latest"`
	Window  string        `json:"window"`
	Average int64         `json:"avg_gold"`
	High    int64         `json:"high_gold"`
	Low     int64         `json:"low_gold"`
}

func toPayload(sample storage.PriceSample) samplePayload {
	p := samplePayload{
		Timestamp: sample.Timestamp,
		PriceGold: sample.PriceGold,
		EMA:       sample.EMA,
		ChangeAbs: sample.ChangeAbs,
	}
	if sample.ChangePct != nil {
		pct := sample.ChangePct.StringFixed(2)
		p.ChangePct = &pct
	}
	return p
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string][]string{"regions": s.regions})
}

// handlePrices returns the full or day-bounded series for a region. An empty
// series is a valid 200 response with an empty array.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	region := mux.Vars(r)["region"]
	if !s.knownRegion(region) {
		respondError(w, http.StatusNotFound, "unknown region")
		return
	}

	samples, err := s.loader.Load(r.Context(), region)
	if err != nil {
		s.logger.Error().Err(err).Str("region", region).Msg("failed to load series snapshot")
		respondError(w, http.StatusInternalServerError, "failed to load price series")
		return
	}

	if daysRaw := r.URL.Query().Get("days"); daysRaw != "" {
		days, err := strconv.Atoi(daysRaw)
		if err != nil || days <= 0 {
			respondError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		samples = filterSince(samples, cutoff)
	}

	payload := make([]samplePayload, 0, len(samples))
	for _, sample := range samples {
		payload = append(payload, toPayload(sample))
	}
	respondJSON(w, http.StatusOK, payload)
}

// handleLatest returns the most recent sample plus 24h window statistics.
func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	region := mux.Vars(r)["region"]
	if !s.knownRegion(region) {
		respondError(w, http.StatusNotFound, "unknown region")
		return
	}

	samples, err := s.loader.Load(r.Context(), region)
	if err != nil {
		s.logger.Error().Err(err).Str("region", region).Msg("failed to load series snapshot")
		respondError(w, http.StatusInternalServerError, "failed to load price series")
		return
	}
	if len(samples) == 0 {
		respondError(w, http.StatusNotFound, "no samples recorded for region")
		return
	}

	latest := samples[len(samples)-1]
	window := filterSince(samples, time.Now().UTC().Add(-24*time.Hour))
	if len(window) == 0 {
		window = samples[len(samples)-1:]
	}

	avg, high, low := windowStats(window)
	respondJSON(w, http.StatusOK, latestPayload{
		Region:  region,
		Latest:  toPayload(latest),
		Window:  "24h",
		Average: avg,
		High:    high,
		Low:     low,
	})
}

func filterSince(samples []storage.PriceSample, cutoff time.Time) []storage.PriceSample {
	filtered := make([]storage.PriceSample, 0, len(samples))
	for _, sample := range samples {
		if !sample.Timestamp.Before(cutoff) {
			filtered = append(filtered, sample)
		}
	}
	return filtered
}

func windowStats(samples []storage.PriceSample) (avg, high, low int64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	total := decimal.Zero
	high, low = samples[0].PriceGold, samples[0].PriceGold
	for _, sample := range samples {
		total = total.Add(decimal.NewFromInt(sample.PriceGold))
		if sample.PriceGold > high {
			high = sample.PriceGold
		}
		if sample.PriceGold < low {
			low = sample.PriceGold
		}
	}
	avg = total.Div(decimal.NewFromInt(int64(len(samples)))).Round(0).IntPart()
	return avg, high, low
}
