package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"streamgate/internal/engine"
	"streamgate/internal/proxy"
	"streamgate/internal/proxycache"
)

type EngineSource interface {
	Stats() engine.Stats
}

type ProxySource interface {
	Stats() proxy.Stats
}

// GatewayCollector reads engine and proxy snapshots at scrape time.
type GatewayCollector struct {
	engine EngineSource
	proxy  ProxySource

	sessionsDesc        *prometheus.Desc
	sessionCapacityDesc *prometheus.Desc
	streamConnsDesc     *prometheus.Desc
	engineUpDesc        *prometheus.Desc
	torrentsDesc        *prometheus.Desc
	peersDesc           *prometheus.Desc
	downloadSpeedDesc   *prometheus.Desc
	uploadSpeedDesc     *prometheus.Desc
	proxyConnsDesc      *prometheus.Desc
	cacheKeysDesc       *prometheus.Desc
	cacheHitsDesc       *prometheus.Desc
	cacheMissesDesc     *prometheus.Desc
	cacheBytesDesc      *prometheus.Desc
}

func NewGatewayCollector(eng EngineSource, px ProxySource) *GatewayCollector {
	return &GatewayCollector{
		engine: eng,
		proxy:  px,

		sessionsDesc: prometheus.NewDesc(
			"streamgate_sessions",
			"Number of stream sessions in the registry",
			nil, nil,
		),
		sessionCapacityDesc: prometheus.NewDesc(
			"streamgate_session_capacity",
			"Maximum number of stream sessions",
			nil, nil,
		),
		streamConnsDesc: prometheus.NewDesc(
			"streamgate_stream_connections",
			"Open byte-range connections across all streams",
			nil, nil,
		),
		engineUpDesc: prometheus.NewDesc(
			"streamgate_engine_initialized",
			"Whether the torrent worker is running (1) or not (0)",
			nil, nil,
		),
		torrentsDesc: prometheus.NewDesc(
			"streamgate_torrents",
			"Torrents loaded in the worker by state",
			[]string{"state"}, nil,
		),
		peersDesc: prometheus.NewDesc(
			"streamgate_swarm_peers",
			"Active peers across all torrents",
			nil, nil,
		),
		downloadSpeedDesc: prometheus.NewDesc(
			"streamgate_download_speed_bytes_per_second",
			"Aggregate torrent download speed",
			nil, nil,
		),
		uploadSpeedDesc: prometheus.NewDesc(
			"streamgate_upload_speed_bytes_per_second",
			"Aggregate torrent upload speed",
			nil, nil,
		),
		proxyConnsDesc: prometheus.NewDesc(
			"streamgate_proxy_connections",
			"Open proxied upstream requests",
			nil, nil,
		),
		cacheKeysDesc: prometheus.NewDesc(
			"streamgate_proxy_cache_keys",
			"Entries held per proxy cache tier",
			[]string{"tier"}, nil,
		),
		cacheHitsDesc: prometheus.NewDesc(
			"streamgate_proxy_cache_hits_total",
			"Proxy cache hits per tier",
			[]string{"tier"}, nil,
		),
		cacheMissesDesc: prometheus.NewDesc(
			"streamgate_proxy_cache_misses_total",
			"Proxy cache misses per tier",
			[]string{"tier"}, nil,
		),
		cacheBytesDesc: prometheus.NewDesc(
			"streamgate_proxy_cache_bytes",
			"Bytes buffered per proxy cache tier",
			[]string{"tier"}, nil,
		),
	}
}

func (c *GatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sessionCapacityDesc
	ch <- c.streamConnsDesc
	ch <- c.engineUpDesc
	ch <- c.torrentsDesc
	ch <- c.peersDesc
	ch <- c.downloadSpeedDesc
	ch <- c.uploadSpeedDesc
	ch <- c.proxyConnsDesc
	ch <- c.cacheKeysDesc
	ch <- c.cacheHitsDesc
	ch <- c.cacheMissesDesc
	ch <- c.cacheBytesDesc
}

func (c *GatewayCollector) Collect(ch chan<- prometheus.Metric) {
	if c.engine != nil {
		c.collectEngine(ch, c.engine.Stats())
	}
	if c.proxy != nil {
		c.collectProxy(ch, c.proxy.Stats())
	}
}

func (c *GatewayCollector) collectEngine(ch chan<- prometheus.Metric, st engine.Stats) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(c.sessionsDesc, float64(st.Sessions))
	gauge(c.sessionCapacityDesc, float64(st.Capacity))
	gauge(c.streamConnsDesc, float64(st.Pool.TotalConnections))
	up := 0.0
	if st.Initialized {
		up = 1
	}
	gauge(c.engineUpDesc, up)
	if w := st.Worker; w != nil {
		gauge(c.torrentsDesc, float64(w.Ready), "ready")
		gauge(c.torrentsDesc, float64(w.Torrents-w.Ready), "resolving")
		gauge(c.peersDesc, float64(w.Peers))
		gauge(c.downloadSpeedDesc, float64(w.DownloadSpeed))
		gauge(c.uploadSpeedDesc, float64(w.UploadSpeed))
	}
}

func (c *GatewayCollector) collectProxy(ch chan<- prometheus.Metric, st proxy.Stats) {
	ch <- prometheus.MustNewConstMetric(c.proxyConnsDesc, prometheus.GaugeValue, float64(st.Connections.TotalConnections))
	for tier, ts := range map[string]proxycache.TierStats{
		"info":     st.Cache.Info,
		"playlist": st.Cache.Playlist,
		"segment":  st.Cache.Segment,
	} {
		ch <- prometheus.MustNewConstMetric(c.cacheKeysDesc, prometheus.GaugeValue, float64(ts.Keys), tier)
		ch <- prometheus.MustNewConstMetric(c.cacheHitsDesc, prometheus.CounterValue, float64(ts.Hits), tier)
		ch <- prometheus.MustNewConstMetric(c.cacheMissesDesc, prometheus.CounterValue, float64(ts.Misses), tier)
		ch <- prometheus.MustNewConstMetric(c.cacheBytesDesc, prometheus.GaugeValue, float64(ts.Bytes), tier)
	}
}
