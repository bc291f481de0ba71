package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"fleetview/internal/hub"
	"fleetview/internal/middleware"
	"fleetview/internal/store"
)

// Stats tracks server-wide counters.
type Stats struct {
	startTime        time.Time
	requestCount     atomic.Int64
	wsConnections    atomic.Int64
	wsMessagesIn     atomic.Int64
	wsMessagesOut    atomic.Int64
	rateLimitBlocked atomic.Int64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncRequests()         { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections()    { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections()    { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesIn()     { s.wsMessagesIn.Add(1) }
func (s *Stats) IncWSMessagesOut()    { s.wsMessagesOut.Add(1) }
func (s *Stats) IncRateLimitBlocked() { s.rateLimitBlocked.Add(1) }

// CountRequests wraps next so every request is counted.
func (s *Stats) CountRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.IncRequests()
		next.ServeHTTP(w, r)
	})
}

// CacheCounters is implemented by the snapshot cache.
type CacheCounters interface {
	Hits() int64
	Misses() int64
}

// RecorderCounters is implemented by the position recorder.
type RecorderCounters interface {
	Written() int64
	Failed() int64
	Dropped() int64
}

// ChannelStater reports the push channel state.
type ChannelStater interface {
	ChannelState() string
}

// StatsSources are the optional components reported by the stats
// endpoint. Nil fields are left out of the response.
type StatsSources struct {
	Channel  ChannelStater
	Cache    CacheCounters
	Recorder RecorderCounters
	Limiter  *middleware.RateLimiter
}

type StatsHandler struct {
	stats   *Stats
	store   *store.Store
	hub     *hub.Hub
	sources StatsSources
}

func NewStatsHandler(stats *Stats, s *store.Store, h *hub.Hub, sources StatsSources) *StatsHandler {
	return &StatsHandler{
		stats:   stats,
		store:   s,
		hub:     h,
		sources: sources,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Vehicles  VehicleStatsResponse   `json:"vehicles"`
	Channel   ChannelStatsResponse   `json:"channel"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	Cache     *CacheStatsResponse    `json:"cache,omitempty"`
	Recorder  *RecorderStatsResponse `json:"recorder,omitempty"`
	RateLimit *middleware.Stats      `json:"rate_limit,omitempty"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	RateLimited   int64     `json:"rate_limited"`
	Version       string    `json:"version"`
}

type VehicleStatsResponse struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	ByCategory map[string]int `json:"by_category"`
	Source     store.Source   `json:"source"`
	Loading    bool           `json:"loading"`
	Error      string         `json:"error,omitempty"`
	Alerts     int            `json:"alerts"`
}

type ChannelStatsResponse struct {
	State string `json:"state"`
}

type WebSocketStatsResponse struct {
	Connections   int64 `json:"connections"`
	Clients       int   `json:"clients"`
	MessagesIn    int64 `json:"messages_in"`
	MessagesOut   int64 `json:"messages_out"`
	DeltasSent    int64 `json:"deltas_sent"`
	DeltasDropped int64 `json:"deltas_dropped"`
}

type CacheStatsResponse struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Ratio  float64 `json:"hit_ratio"`
}

type RecorderStatsResponse struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.stats.startTime)
	status := h.store.Status()

	byStatus := make(map[string]int)
	byCategory := make(map[string]int)
	for _, v := range h.store.Vehicles() {
		st := string(v.Status)
		if st == "" {
			st = "unknown"
		}
		byStatus[st]++
		byCategory[v.Category().String()]++
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     h.stats.startTime,
			RequestCount:  h.stats.requestCount.Load(),
			RateLimited:   h.stats.rateLimitBlocked.Load(),
			Version:       "1.0.0",
		},
		Vehicles: VehicleStatsResponse{
			Total:      status.Count,
			ByStatus:   byStatus,
			ByCategory: byCategory,
			Source:     status.Source,
			Loading:    status.Loading,
			Error:      status.Error,
			Alerts:     len(h.store.Alerts()),
		},
		Channel: ChannelStatsResponse{State: "disabled"},
		WebSocket: WebSocketStatsResponse{
			Connections: h.stats.wsConnections.Load(),
			MessagesIn:  h.stats.wsMessagesIn.Load(),
			MessagesOut: h.stats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}

	if h.sources.Channel != nil {
		response.Channel.State = h.sources.Channel.ChannelState()
	}
	if h.hub != nil {
		response.WebSocket.Clients = h.hub.ClientCount()
		response.WebSocket.DeltasSent = h.hub.MessagesSent()
		response.WebSocket.DeltasDropped = h.hub.MessagesDropped()
	}
	if h.sources.Cache != nil {
		hits, misses := h.sources.Cache.Hits(), h.sources.Cache.Misses()
		var ratio float64
		if total := hits + misses; total > 0 {
			ratio = float64(hits) / float64(total)
		}
		response.Cache = &CacheStatsResponse{Hits: hits, Misses: misses, Ratio: ratio}
	}
	if rec := h.sources.Recorder; rec != nil {
		response.Recorder = &RecorderStatsResponse{
			Written: rec.Written(),
			Failed:  rec.Failed(),
			Dropped: rec.Dropped(),
		}
	}
	if h.sources.Limiter != nil {
		st := h.sources.Limiter.Stats()
		response.RateLimit = &st
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
