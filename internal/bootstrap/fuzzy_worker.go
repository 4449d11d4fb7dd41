package bootstrap

import (
	"context"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/rs/zerolog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/contentguard/scanner/adapter/out/fuzzy"
	"github.com/contentguard/scanner/adapter/out/persistence/redis"
	"github.com/contentguard/scanner/config"
	"github.com/contentguard/scanner/pkg/connpool"
	"github.com/contentguard/scanner/pkg/upstream"
)

const (
	fuzzyPeerReplicationTopic = "fuzzy:replicate"
	fuzzyReadBufferSize       = 2048
	fuzzyExpireInterval       = 10 * time.Minute
	fuzzySyncInterval         = 30 * time.Second
)

// FuzzyWorker owns the dedicated fuzzy process (§4.5/§5: "owned by a
// dedicated fuzzy worker"): a UDP listener answering the wire protocol,
// backed by a ReplicatedStore that keeps a local MemStore authoritative
// while a WriteQueue replicates mutations to the shared KV backend. Its
// three background goroutines (accept loop, write-queue sync, expiry
// sweep) are the one pool of concurrently running workers in this
// service, so they log through zerolog, the teacher's own choice for
// adapter/in/worker.Pool, rather than pkg/logger.
type FuzzyWorker struct {
	conn   net.PacketConn
	server *fuzzy.Server
	store  *fuzzy.ReplicatedStore
	queue  *fuzzy.WriteQueue
	log    zerolog.Logger

	connPool *connpool.Pool

	cancel context.CancelFunc
}

// NewFuzzyWorker builds the listener and its backing store chain but
// does not start serving; call Start to begin the accept loop.
func NewFuzzyWorker(cfg *config.Config) (*FuzzyWorker, error) {
	allowed := make([]netip.Prefix, 0, len(cfg.FuzzyAllowedCIDR))
	for _, cidr := range cfg.FuzzyAllowedCIDR {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, p)
	}

	cp := connpool.New(redis.ConnPoolDial, cfg.ConnPoolIdleTimeout, cfg.ConnPoolMaxPerBucket)
	upstreamConfigs, err := upstreamConfigsFrom(cfg)
	if err != nil {
		return nil, err
	}
	kvPool := upstream.NewPool(upstreamStrategy(cfg.UpstreamStrategy), upstreamConfigs, redis.UpstreamDialer(cp, 0, ""))

	local := fuzzy.NewMemStore()
	queue := fuzzy.NewWriteQueue(kvPool, fuzzySyncInterval, "fz:")

	if len(cfg.FuzzySyncPeers) > 0 {
		pubClient := goredis.NewClient(&goredis.Options{Addr: cfg.FuzzySyncPeers[0]})
		queue = queue.WithPeerReplication(redis.NewPublisher(pubClient), fuzzyPeerReplicationTopic)
	}

	store := fuzzy.NewReplicatedStore(local, queue)
	server := fuzzy.NewServer(store, allowed, int64(cfg.FuzzyHashTTL.Seconds()))

	conn, err := net.ListenPacket("udp", cfg.FuzzyListenAddr)
	if err != nil {
		return nil, err
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().
		Timestamp().
		Str("component", "fuzzy_worker").
		Logger()

	return &FuzzyWorker{conn: conn, server: server, store: store, queue: queue, log: log, connPool: cp}, nil
}

// Start runs the UDP accept loop, the write-queue sync timer and the
// expiry sweep until Stop is called.
func (w *FuzzyWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go w.queue.Run(ctx)
	go w.store.RunExpiry(ctx, fuzzyExpireInterval)

	w.log.Info().Str("addr", w.conn.LocalAddr().String()).Msg("fuzzy worker accept loop starting")

	buf := make([]byte, fuzzyReadBufferSize)
	for {
		n, addr, err := w.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				w.log.Warn().Err(err).Msg("read failed")
				continue
			}
		}
		peer, ok := fuzzy.PeerAddr(addr)
		if !ok {
			continue
		}
		reply := w.server.Handle(ctx, append([]byte(nil), buf[:n]...), peer)
		if reply == nil {
			continue
		}
		if _, err := w.conn.WriteTo(reply, addr); err != nil {
			w.log.Warn().Err(err).Msg("reply write failed")
		}
	}
}

// Stop shuts the worker down: closes the socket and stops the
// background sync/expiry goroutines.
func (w *FuzzyWorker) Stop() {
	w.log.Info().Msg("stopping fuzzy worker...")
	if w.cancel != nil {
		w.cancel()
	}
	w.queue.Stop()
	w.conn.Close()
	w.connPool.Close()
}
