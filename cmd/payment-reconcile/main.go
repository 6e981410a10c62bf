// Command payment-reconcile marks orders paid from exported gateway events.
//
// It is the fallback for webhook deliveries that never arrived: completed
// checkout events are streamed from gzip-compressed JSON lines files and
// matched against unpaid orders. Matching runs in two passes so the exports
// never have to fit in memory: pass 1 builds a bloom filter of paid order ids
// per file, pass 2 re-streams the files and confirms the bloom hits exactly.
package main

import (
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/events"
	"github.com/xenking/kart-orders/internal/payment"
	"github.com/xenking/kart-orders/internal/storage/cache"
	"github.com/xenking/kart-orders/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 1_000_000
	maxLineBytes  = 1 << 20
)

type options struct {
	dataDir     string
	pattern     string
	databaseURL string
	olderThan   time.Duration
	capacity    uint
	dryRun      bool
	redisURL    string
	brokers     string
	topic       string
}

func main() {
	var opts options

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing exported gateway events")
	flag.StringVar(&opts.pattern, "pattern", "events*.jsonl.gz", "glob of event files inside data-dir")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.DurationVar(&opts.olderThan, "older-than", 15*time.Minute, "only reconcile orders created at least this long ago")
	flag.UintVar(&opts.capacity, "capacity", 10_000_000, "expected completed events per file")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "report matches without updating orders")
	flag.StringVar(&opts.redisURL, "redis-url", "", "Redis host:port or redis:// URL of the order cache to invalidate (or REDIS_URL env)")
	flag.StringVar(&opts.brokers, "kafka-brokers", "", "comma-separated Kafka brokers for order.paid events (or KAFKA_BROKERS env)")
	flag.StringVar(&opts.topic, "kafka-topic", "kart.orders", "topic for order events")
	flag.Parse()

	lg := zap.Must(zap.NewProduction())
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		lg.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if opts.redisURL == "" {
		opts.redisURL = os.Getenv("REDIS_URL")
	}
	if opts.brokers == "" {
		opts.brokers = os.Getenv("KAFKA_BROKERS")
	}

	ctx, cancel := signal.NotifyContext(zctx.Base(context.Background(), lg), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		lg.Error("payment reconcile failed", zap.Error(err))
		os.Exit(1)
	}

	lg.Info("payment reconcile completed successfully")
}

func run(ctx context.Context, opts options) error {
	lg := zctx.From(ctx)
	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "glob event files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s in %s", opts.pattern, opts.dataDir)
	}
	sort.Strings(files)

	// Pass 1: one bloom filter per file, built concurrently.
	lg.Info("pass 1: building bloom filters", zap.Int("files", len(files)))

	filters, err := buildBloomFilters(ctx, files, opts.capacity)
	if err != nil {
		return errors.Wrap(err, "build bloom filters")
	}
	paid, err := mergeFilters(filters)
	if err != nil {
		return errors.Wrap(err, "merge bloom filters")
	}

	lg.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	pg := postgres.NewOrderRepository(pool)
	unpaid, err := pg.UnpaidIDs(ctx, time.Now().Add(-opts.olderThan))
	if err != nil {
		return errors.Wrap(err, "list unpaid orders")
	}

	candidates := make(map[string]struct{})
	for _, id := range unpaid {
		if paid.TestString(id) {
			candidates[id] = struct{}{}
		}
	}
	lg.Info("bloom candidates",
		zap.Int("unpaid", len(unpaid)),
		zap.Int("candidates", len(candidates)),
	)
	if len(candidates) == 0 {
		lg.Info("nothing to reconcile")
		return nil
	}

	// Pass 2: confirm candidates exactly.
	lg.Info("pass 2: confirming candidates")

	confirmed, err := confirmCompleted(ctx, files, candidates)
	if err != nil {
		return errors.Wrap(err, "confirm candidates")
	}

	lg.Info("confirmed payments", zap.Int("count", len(confirmed)))

	// Confirmations take the same path as webhook deliveries so listings
	// are invalidated and order.paid is announced.
	var repo order.Repository = pg
	if opts.redisURL != "" {
		rdb, err := newRedis(ctx, opts.redisURL)
		if err != nil {
			return errors.Wrap(err, "connect to redis")
		}
		defer func() { _ = rdb.Close() }()
		repo = cache.NewOrderRepository(pg, rdb, 0)
	}
	var publisher order.Publisher
	if brokers := splitList(opts.brokers); len(brokers) > 0 {
		p := events.NewPublisher(events.Config{Brokers: brokers, Topic: opts.topic, Sync: true}, lg)
		defer func() { _ = p.Close() }()
		publisher = p
	}
	svc := order.NewService(order.Config{}, nil, nil, repo, nil, nil, publisher)

	return markPaid(ctx, svc, confirmed, opts.dryRun)
}

func newRedis(ctx context.Context, addr string) (*redis.Client, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping")
	}
	return client, nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// buildBloomFilters creates one bloom filter per file, concurrently.
func buildBloomFilters(ctx context.Context, files []string, capacity uint) ([]*bloom.BloomFilter, error) {
	lg := zctx.From(ctx)
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(capacity, bloomFPR)
			var count uint64

			skipped, err := streamCompleted(ctx, f, func(orderID string) {
				filter.AddString(orderID)
				count++
				if count%progressEvery == 0 {
					lg.Info("pass 1 progress", zap.Int("file", i+1), zap.Uint64("events", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}

			lg.Info("pass 1 complete",
				zap.String("file", filepath.Base(f)),
				zap.Uint64("completed_events", count),
				zap.Int("skipped_lines", skipped),
			)
			filters[i] = filter
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// mergeFilters ORs all filters into a copy of the first. All filters are
// built with the same estimates so they share size and hash count.
func mergeFilters(filters []*bloom.BloomFilter) (*bloom.BloomFilter, error) {
	if len(filters) == 0 {
		return nil, errors.New("no filters")
	}
	merged := filters[0].Copy()
	for _, f := range filters[1:] {
		if err := merged.Merge(f); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// confirmCompleted re-streams every file and returns the candidates that
// really have a completed checkout event, sorted.
func confirmCompleted(ctx context.Context, files []string, candidates map[string]struct{}) ([]string, error) {
	lg := zctx.From(ctx)
	found := make([]map[string]struct{}, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			hits := make(map[string]struct{})
			if _, err := streamCompleted(ctx, f, func(orderID string) {
				if _, ok := candidates[orderID]; ok {
					hits[orderID] = struct{}{}
				}
			}); err != nil {
				return errors.Wrapf(err, "scan file %d", i+1)
			}

			lg.Info("pass 2 complete", zap.String("file", filepath.Base(f)), zap.Int("hits", len(hits)))
			found[i] = hits
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]struct{})
	for _, hits := range found {
		for id := range hits {
			merged[id] = struct{}{}
		}
	}
	confirmed := make([]string, 0, len(merged))
	for id := range merged {
		confirmed = append(confirmed, id)
	}
	sort.Strings(confirmed)
	return confirmed, nil
}

type paymentConfirmer interface {
	ConfirmPayment(ctx context.Context, orderID string) (*order.Order, bool, error)
}

// markPaid applies the confirmed payments. Orders paid in the meantime are
// left untouched.
func markPaid(ctx context.Context, svc paymentConfirmer, ids []string, dryRun bool) error {
	lg := zctx.From(ctx)
	var changed int
	for _, id := range ids {
		if dryRun {
			lg.Info("would mark paid", zap.String("order_id", id))
			continue
		}

		_, paid, err := svc.ConfirmPayment(ctx, id)
		if err != nil {
			if errors.Is(err, order.ErrOrderNotFound) {
				lg.Warn("order disappeared", zap.String("order_id", id))
				continue
			}
			return errors.Wrapf(err, "mark order %s paid", id)
		}
		if paid {
			changed++
			lg.Info("marked paid", zap.String("order_id", id))
		}
	}

	lg.Info("reconcile summary",
		zap.Int("confirmed", len(ids)),
		zap.Int("marked_paid", changed),
		zap.Bool("dry_run", dryRun),
	)
	return nil
}

// streamCompleted opens a gzip-compressed JSON lines file and calls fn with
// the order id of every completed checkout event. Lines that are not valid
// events are counted and skipped.
func streamCompleted(ctx context.Context, path string, fn func(orderID string)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var skipped int
	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return skipped, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, err := payment.DecodeEvent(line)
		if err != nil {
			skipped++
			continue
		}
		if ev.Type != order.EventCheckoutCompleted {
			continue
		}
		if id := ev.OrderID(); id != "" {
			fn(id)
		}
	}

	if err := scanner.Err(); err != nil {
		return skipped, errors.Wrapf(err, "scan %s", path)
	}
	return skipped, nil
}
