package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"waveserver/archive"
	"waveserver/catalog"
	"waveserver/config"
	"waveserver/heli"
	"waveserver/holdings"
	"waveserver/internal/retry"
	"waveserver/livefeed"
	"waveserver/merge"
	"waveserver/pool"
	"waveserver/protocol"
	"waveserver/remote"
	"waveserver/server"
	"waveserver/span"
	"waveserver/stats"

	"github.com/dustin/go-humanize"
)

// node is one running wave server: the catalog, spans and archive paths
// behind the protocol handler and its listener.
type node struct {
	cfg    *config.Config
	fanout *logFanout

	catalog   *catalog.Catalog
	refresher *catalog.Refresher
	spans     *span.Registry
	blocks    *archive.BlockPool
	store     *archive.Store
	writer    *archive.Writer
	remote    *remote.Client
	holdings  *holdings.Scanner
	engine    *merge.Engine
	stats     *stats.Tracker
	handler   *protocol.Handler
	server    *server.Server
	live      *livefeed.Client
	ingester  *livefeed.Ingester
}

// newNode builds every component from cfg. Nothing listens or connects
// until Run.
func newNode(cfg *config.Config, fanout *logFanout) (*node, error) {
	n := &node{cfg: cfg, fanout: fanout, stats: stats.NewTracker()}

	restrict, err := catalog.NewPatternRestrictor(cfg.Restrict.Patterns)
	if err != nil {
		return nil, err
	}
	endFallback := time.Duration(cfg.Catalog.EndFallbackHours) * time.Hour
	publish := config.Millis(cfg.Catalog.PublishIntervalMS)
	n.catalog = catalog.New(catalog.Options{
		PublishInterval: publish,
		EndFallback:     endFallback,
		Restrictor:      restrict,
	})
	n.spans = span.NewRegistry(span.Options{
		Duration:   config.Seconds(cfg.Span.DurationSeconds),
		MaxSamples: cfg.Span.MaxSamples,
		Fill:       cfg.Span.FillValue,
		Adjacency:  cfg.Span.AdjacencyFraction,
	})
	n.blocks = archive.NewBlockPool(archive.PoolOptions{
		Blocks:       cfg.Archive.PoolBlocks,
		BlockSamples: cfg.Archive.BlockSamples,
		Wait:         config.Millis(cfg.Archive.PoolWaitMS),
		HardCeiling:  config.Seconds(cfg.Archive.PoolHardCeilingSeconds),
	})

	var sources []archive.Source
	if cfg.Archive.Enabled {
		n.store, err = archive.Open(cfg.Archive.Path, archive.StoreOptions{CacheSizeBytes: cfg.Archive.CacheSizeBytes}, n.blocks)
		if err != nil {
			return nil, err
		}
		n.writer = archive.NewWriter(n.store, archive.WriterOptions{
			QueueSize:       cfg.Archive.QueueSize,
			BatchSize:       cfg.Archive.BatchSize,
			BatchInterval:   config.Millis(cfg.Archive.BatchIntervalMS),
			Retention:       time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour,
			CleanupInterval: config.Seconds(cfg.Archive.CleanupIntervalSeconds),
		})
		sources = append(sources, archive.Source{Name: "local", Gateway: n.store})
	}
	if cfg.Remote.Enabled {
		n.remote = remote.NewClient(remote.Options{
			Address: cfg.Remote.Address,
			Timeout: config.Seconds(cfg.Remote.TimeoutSeconds),
		}, n.blocks)
		sources = append(sources, archive.Source{Name: "remote", Gateway: n.remote})
	}
	chain := archive.NewChain(retry.Policy{
		Attempts:  cfg.Merge.ArchiveAttempts,
		BaseDelay: config.Millis(cfg.Merge.ArchiveBaseDelayMS),
		MaxDelay:  8 * config.Millis(cfg.Merge.ArchiveBaseDelayMS),
	}, sources...)
	var gateway archive.Gateway
	if chain.Len() > 0 {
		gateway = chain
	}
	n.engine = merge.NewEngine(n.catalog, n.spans, gateway, merge.Options{
		Fill:           cfg.Span.FillValue,
		ArchiveTimeout: config.Seconds(cfg.Merge.ArchiveTimeoutSeconds),
		MaxDuration:    config.Seconds(cfg.Merge.MaxRequestSeconds),
		LazySpans:      gateway != nil,
	})

	n.refresher = catalog.NewRefresher(n.catalog, catalog.RefresherOptions{
		ScanInterval:    config.Seconds(cfg.Catalog.ScanIntervalSeconds),
		PublishInterval: publish,
	})
	if n.store != nil {
		n.refresher.AddSource("archive", catalog.ArchiveSource(n.store))
	}
	if cfg.Holdings.Enabled {
		n.holdings, err = holdings.Open(holdings.Options{
			Path:             cfg.Holdings.DBPath,
			Table:            cfg.Holdings.Table,
			PreflightTimeout: config.Seconds(cfg.Holdings.PreflightTimeoutSeconds),
		})
		if err != nil {
			n.Close()
			return nil, err
		}
		n.refresher.AddSource("holdings", n.holdings)
	}

	n.handler = protocol.NewHandler(protocol.Deps{
		Catalog: n.catalog,
		Engine:  n.engine,
		Refresh: n.refresher,
		Stats:   n.stats,
		Status:  n.statusLines,
	}, protocol.Options{
		ServerName:    cfg.Server.Name,
		Version:       Version,
		MenuCache:     config.Seconds(cfg.Catalog.MenuCacheSeconds),
		MetadataCache: config.Seconds(cfg.Catalog.MetadataCacheSeconds),
		MenuTTL:       config.Seconds(cfg.Catalog.MenuTTLSeconds),
		EndFallback:   endFallback,
		Fill:          cfg.Span.FillValue,
		Heli: heli.Options{
			CacheSeconds:  cfg.Heli.CacheSeconds,
			WarmupSeconds: cfg.Heli.WarmupSeconds,
			WarmupSamples: cfg.Heli.WarmupSamples,
			GapSeconds:    cfg.Heli.GapSeconds,
			CutoffHz:      cfg.Heli.CutoffHz,
			Scale:         cfg.Heli.Scale,
		},
	})
	n.server = server.New(server.Options{
		ListenAddress: cfg.Server.ListenAddress,
		IdleTimeout:   config.Seconds(cfg.Server.IdleTimeoutSeconds),
		WriteTimeout:  config.Seconds(cfg.Server.WriteTimeoutSecs),
		MaxLineBytes:  cfg.Server.MaxLineBytes,
		MaxRequest:    config.Seconds(cfg.Server.MaxRequestSeconds),
		Pool: pool.Options{
			MinWorkers:    cfg.Pool.MinWorkers,
			MaxWorkers:    cfg.Pool.MaxWorkers,
			StaleAfter:    config.Seconds(cfg.Pool.StaleAfterSeconds),
			StallAfter:    config.Seconds(cfg.Pool.StallSeconds),
			IdleRetire:    config.Seconds(cfg.Pool.IdleRetireSeconds),
			SweepInterval: config.Seconds(cfg.Pool.SweepIntervalSeconds),
			AssignBackoff: config.Millis(cfg.Pool.AssignBackoffMS),
			AssignMaxWait: config.Seconds(cfg.Pool.AssignMaxWaitSeconds),
		},
	}, n.handler, n.stats)

	if cfg.LiveFeed.Enabled {
		n.live = livefeed.NewClient(livefeed.Options{
			Broker:   cfg.LiveFeed.Broker,
			Port:     cfg.LiveFeed.Port,
			Topic:    cfg.LiveFeed.Topic,
			ClientID: cfg.LiveFeed.ClientID,
			QoS:      byte(cfg.LiveFeed.QoS),
			Buffer:   cfg.LiveFeed.Buffer,
		})
		var archiver livefeed.Archiver
		if n.writer != nil {
			archiver = n.writer
		}
		n.ingester = livefeed.NewIngester(n.catalog, n.spans, archiver, livefeed.IngestOptions{})
	}
	return n, nil
}

// Run starts the listener and background loops and blocks until ctx is
// done or one of them fails.
func (n *node) Run(ctx context.Context) error {
	if n.writer != nil {
		n.writer.Start()
	}
	if err := n.server.Start(ctx); err != nil {
		return err
	}
	if n.live != nil {
		if err := n.live.Connect(); err != nil {
			return err
		}
	}

	loops := []func(context.Context) error{
		n.refresher.Run,
		func(ctx context.Context) error {
			<-ctx.Done()
			n.server.Stop()
			return nil
		},
		n.statusLoop,
	}
	if n.ingester != nil {
		loops = append(loops, func(ctx context.Context) error {
			return n.ingester.Run(ctx, n.live.Packets())
		})
	}
	if n.cfg.Admin.Enabled {
		addr := n.cfg.Admin.ListenAddress
		loops = append(loops, func(ctx context.Context) error { return runAdmin(ctx, addr) })
	}
	return runGroup(ctx, loops...)
}

// Close releases everything newNode and Run opened, feed first so nothing
// is enqueued into a stopped writer.
func (n *node) Close() {
	if n.server != nil {
		n.server.Stop()
	}
	if n.live != nil {
		n.live.Stop()
	}
	if n.writer != nil {
		n.writer.Stop()
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			log.Printf("archive: close: %v", err)
		}
	}
	if n.holdings != nil {
		_ = n.holdings.Close()
	}
	if n.remote != nil {
		_ = n.remote.Close()
	}
}

// statusLines feeds STATUS with component state.
func (n *node) statusLines() []string {
	ps := n.server.Pool().Stats()
	lines := []string{
		fmt.Sprintf("Pool: workers=%d busy=%d idle=%d bounds=%d..%d saturations=%s rejections=%s reclaims=%s panics=%d",
			ps.Workers, ps.Busy, ps.Idle, ps.Min, ps.Max,
			humanize.Comma(int64(ps.Saturations)), humanize.Comma(int64(ps.Rejections)), humanize.Comma(int64(ps.Reclaims)), ps.Panics),
		fmt.Sprintf("Spans: channels=%s", humanize.Comma(int64(n.spans.Len()))),
		fmt.Sprintf("Blocks: in_use=%s/%s", humanize.Comma(int64(n.blocks.InUse())), humanize.Comma(int64(n.blocks.Capacity()))),
	}
	if n.writer != nil {
		lines = append(lines, fmt.Sprintf("Archive: writer_drops=%s", humanize.Comma(int64(n.writer.Dropped()))))
	}
	if n.live != nil {
		lines = append(lines, fmt.Sprintf("Live: connected=%t accepted=%s rejected=%s dropped=%s",
			n.live.IsConnected(),
			humanize.Comma(int64(n.ingester.Accepted())),
			humanize.Comma(int64(n.ingester.Rejected()+n.live.Rejected())),
			humanize.Comma(int64(n.live.Dropped()))))
	}
	return lines
}

// statusLoop writes the STATUS body to the log file periodically.
func (n *node) statusLoop(ctx context.Context) error {
	for sleepWithContext(ctx, statusLogInterval) {
		for _, line := range append(n.stats.SnapshotLines(), n.statusLines()...) {
			n.fanout.WriteFileOnlyLine(line)
		}
	}
	return nil
}
