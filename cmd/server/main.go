package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gridcourier/internal/bus"
	"gridcourier/internal/knowledge"
	"gridcourier/internal/mape"
	"gridcourier/internal/persistence/indexdb"
	persistlog "gridcourier/internal/persistence/log"
	"gridcourier/internal/protocol"
	"gridcourier/internal/sim/env"
	"gridcourier/internal/sim/grid"
	"gridcourier/internal/transport/ws"
	"gridcourier/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataFlag   = flag.String("data", "", "runtime data directory (default: tuning data_dir)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	gridCfg := tune.GridConfig()

	dataDir := strings.TrimSpace(*dataFlag)
	if dataDir == "" {
		dataDir = tune.DataDir
	}
	_ = os.MkdirAll(dataDir, 0o755)

	ctx, cancel := signalContext()
	defer cancel()

	b := bus.New(
		bus.WithQueueSize(tune.BusQueueSize),
		bus.WithLogger(log.New(os.Stdout, "[bus] ", log.LstdFlags|log.Lmicroseconds)),
	)
	defer b.Close()

	world, err := env.New(b, gridCfg, tune.Capacity,
		env.WithLogger(log.New(os.Stdout, "[env] ", log.LstdFlags|log.Lmicroseconds)))
	if err != nil {
		logger.Fatalf("environment: %v", err)
	}

	houses := map[grid.Coord]bool{}
	for _, h := range world.Houses() {
		houses[h] = true
	}
	store := knowledge.New(b,
		knowledge.WithLogger(log.New(os.Stdout, "[knowledge] ", log.LstdFlags|log.Lmicroseconds)),
		knowledge.WithHouseValidator(func(c grid.Coord) bool { return houses[c] }),
	)

	monitor := mape.NewMonitor(b, mape.MonitorLogger(log.New(os.Stdout, "[monitor] ", log.LstdFlags|log.Lmicroseconds)))
	analyzer := mape.NewAnalyzer(b)
	planner := mape.NewPlanner(b, mape.PlannerLogger(log.New(os.Stdout, "[planner] ", log.LstdFlags|log.Lmicroseconds)))
	executor := mape.NewExecutor(b, mape.ExecutorLogger(log.New(os.Stdout, "[executor] ", log.LstdFlags|log.Lmicroseconds)))

	recorder := persistlog.NewRecorder(dataDir)
	recorder.Start(b)
	defer recorder.Close()

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(dataDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		idx.Start(b)
		defer idx.Close()
	} else {
		logger.Printf("sqlite index disabled")
	}

	initMsg := protocol.InitMsg{
		Base:     gridCfg.Base,
		Capacity: tune.Capacity,
		Timeout:  float64(tune.MissionTimeoutSec),
	}

	uiSrv := ws.NewServer(b, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds), initMsg, tune.TickIntervalMs)

	// Subscription order matters with the async bus only for determinism of
	// logs; each stage tolerates any ordering via rev/epoch guards.
	uiSrv.Start()
	store.Start()
	world.Start()
	monitor.Start()
	analyzer.Start()
	planner.Start()
	executor.Start()

	tap := newMetricsTap(b)

	b.Publish(bus.TopicSystemInit, initMsg)

	trigger := mape.NewTrigger(b, time.Duration(tune.TickIntervalMs)*time.Millisecond)
	go trigger.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", tap.handler())
	mux.HandleFunc("/v1/ws", uiSrv.Handler())

	if envBool("GC_ENABLE_ADMIN_HTTP", true) {
		// Local-only inspection endpoint.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Knowledge   *protocol.KnowledgeSnapshot  `json:"knowledge"`
				Environment protocol.EnvironmentSnapshot `json:"environment"`
			}{
				Knowledge:   tap.latest(),
				Environment: world.Snapshot(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	}
	if envBool("GC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("grid %dx%d, base %v, %d houses, capacity %d, tick %dms",
		gridCfg.Width, gridCfg.Height, gridCfg.Base, len(houses), tune.Capacity, tune.TickIntervalMs)
	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// metricsTap keeps the latest knowledge snapshot and tick for the
// Prometheus endpoint.
type metricsTap struct {
	mu   sync.Mutex
	k    *protocol.KnowledgeSnapshot
	tick uint64
}

func newMetricsTap(b *bus.Bus) *metricsTap {
	t := &metricsTap{}
	b.Subscribe(bus.TopicKnowledgeUpdate, func(env bus.Envelope) {
		if snap, ok := env.Payload.(protocol.KnowledgeSnapshot); ok {
			t.mu.Lock()
			t.k = &snap
			t.mu.Unlock()
		}
	})
	b.Subscribe(bus.TopicLoopTick, func(env bus.Envelope) {
		if m, ok := env.Payload.(protocol.TickMsg); ok {
			t.mu.Lock()
			t.tick = m.Tick
			t.mu.Unlock()
		}
	})
	return t
}

func (t *metricsTap) latest() *protocol.KnowledgeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.k
}

func (t *metricsTap) handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		t.mu.Lock()
		k := t.k
		tick := t.tick
		t.mu.Unlock()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP courier_tick Current control loop tick.\n")
		fmt.Fprintf(rw, "# TYPE courier_tick gauge\n")
		fmt.Fprintf(rw, "courier_tick %d\n", tick)

		if k == nil {
			return
		}

		fmt.Fprintf(rw, "# HELP courier_knowledge_rev Knowledge store revision.\n")
		fmt.Fprintf(rw, "# TYPE courier_knowledge_rev gauge\n")
		fmt.Fprintf(rw, "courier_knowledge_rev %d\n", k.Rev)

		fmt.Fprintf(rw, "# HELP courier_epoch Current run epoch (bumped on reset).\n")
		fmt.Fprintf(rw, "# TYPE courier_epoch gauge\n")
		fmt.Fprintf(rw, "courier_epoch %d\n", k.Epoch)

		fmt.Fprintf(rw, "# HELP courier_mission_state Mission state indicator (1 for the current state).\n")
		fmt.Fprintf(rw, "# TYPE courier_mission_state gauge\n")
		for _, st := range []protocol.MissionState{
			protocol.MissionIdle, protocol.MissionCollecting, protocol.MissionActive,
			protocol.MissionReturning, protocol.MissionStuck,
		} {
			v := 0
			if k.MissionState == st {
				v = 1
			}
			fmt.Fprintf(rw, "courier_mission_state{state=%q} %d\n", string(st), v)
		}

		byStatus := map[protocol.OrderStatus]int{}
		for _, o := range k.Orders {
			byStatus[o.Status]++
		}
		fmt.Fprintf(rw, "# HELP courier_orders Orders by status.\n")
		fmt.Fprintf(rw, "# TYPE courier_orders gauge\n")
		for _, st := range []protocol.OrderStatus{protocol.OrderPending, protocol.OrderLoaded, protocol.OrderDelivered} {
			fmt.Fprintf(rw, "courier_orders{status=%q} %d\n", string(st), byStatus[st])
		}

		m := k.Metrics
		fmt.Fprintf(rw, "# HELP courier_deliveries_total Completed deliveries.\n")
		fmt.Fprintf(rw, "# TYPE courier_deliveries_total counter\n")
		fmt.Fprintf(rw, "courier_deliveries_total %d\n", m.TotalDeliveries)

		fmt.Fprintf(rw, "# HELP courier_distance_total Cells travelled by the robot.\n")
		fmt.Fprintf(rw, "# TYPE courier_distance_total counter\n")
		fmt.Fprintf(rw, "courier_distance_total %d\n", m.TotalDistance)

		fmt.Fprintf(rw, "# HELP courier_replans_total Route replans triggered by obstacles.\n")
		fmt.Fprintf(rw, "# TYPE courier_replans_total counter\n")
		fmt.Fprintf(rw, "courier_replans_total %d\n", m.ReplanCount)

		fmt.Fprintf(rw, "# HELP courier_avg_delivery_seconds Average order age at delivery.\n")
		fmt.Fprintf(rw, "# TYPE courier_avg_delivery_seconds gauge\n")
		fmt.Fprintf(rw, "courier_avg_delivery_seconds %.3f\n", m.AvgDeliverySec)
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
