// liveqd serves live views over a set of named SQL queries: websocket
// subscribers receive incremental diffs of query results as backing tables
// change, with change notifications delivered via the invalidation endpoint.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"go.liveq.dev/core/capture"
	mbp "go.liveq.dev/core/mainboilerplate"
	"go.liveq.dev/core/registry"
	"go.liveq.dev/core/sqlprovider"
	"go.liveq.dev/core/transport"
	"go.liveq.dev/core/transport/wsserver"
)

const iniFilename = "liveqd.ini"

// Config is the top-level configuration object of a liveq daemon.
var Config = new(struct {
	Serve struct {
		Address string `long:"address" env:"ADDRESS" default:":8080" description:"Address to serve subscribers and metrics on"`
		Queries string `long:"queries" env:"QUERIES" default:"queries.yaml" description:"Path of the YAML file of observed query definitions"`
	} `group:"Serve" namespace:"serve" env-namespace:"SERVE"`

	DB struct {
		Driver string `long:"driver" env:"DRIVER" default:"sqlite3" choice:"sqlite3" choice:"postgres" description:"Database driver"`
		DSN    string `long:"dsn" env:"DSN" default:"liveq.db" description:"Database connection string"`
	} `group:"Database" namespace:"db" env-namespace:"DB"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func init() {
	// Register capture-wrapped variants of the supported drivers, so that
	// observer evaluations report the tables they touch.
	sql.Register("sqlite3-captured", capture.Wrap(&sqlite3.SQLiteDriver{}))
	sql.Register("postgres-captured", capture.Wrap(&pq.Driver{}))
}

type serveLiveq struct{}

func (serveLiveq) Execute(args []string) error {
	mbp.InitLog(Config.Log)
	log.WithField("config", Config).Info("starting liveqd")

	var queries, err = loadQueries(Config.Serve.Queries)
	mbp.Must(err, "loading query definitions")

	db, err := sql.Open(Config.DB.Driver+"-captured", Config.DB.DSN)
	mbp.Must(err, "opening database")
	defer db.Close()

	var wsServer = wsserver.New()
	var reg = registry.New(wsServer)

	wsServer.OnAttach = func(subscriber string, r *http.Request) {
		attachSubscriber(reg, wsServer, db, queries, subscriber, r)
	}
	wsServer.OnDetach = reg.Unsubscribe

	var mux = http.NewServeMux()
	mux.Handle("/v1/subscribe", wsServer)
	mux.HandleFunc("/v1/invalidate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "expected POST", http.StatusMethodNotAllowed)
			return
		}
		var table = r.URL.Query().Get("table")
		if table == "" {
			http.Error(w, "expected ?table argument", http.StatusBadRequest)
			return
		}
		if err := reg.Invalidate(r.Context(), table); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("/metrics", promhttp.Handler())

	var srv = &http.Server{Addr: Config.Serve.Address, Handler: mux}

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Info("signaled to exit; shutting down")
		_ = srv.Shutdown(context.Background())
	}()

	log.WithField("address", Config.Serve.Address).Info("serving")
	if err = srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	log.Info("goodbye")
	return nil
}

// attachSubscriber subscribes |subscriber| to the query named by its upgrade
// request, and replays the observer's current snapshot to it.
func attachSubscriber(reg *registry.Registry, pub *wsserver.Server, db *sql.DB,
	queries map[string]sqlprovider.Query, subscriber string, r *http.Request) {

	var name = r.URL.Query().Get("query")
	var query, ok = queries[name]
	if !ok {
		log.WithFields(log.Fields{"subscriber": subscriber, "query": name}).
			Warn("subscriber requested an unknown query")
		return
	}

	var rows, err = reg.Observe(r.Context(), query.Name, sqlprovider.New(db, query), subscriber)
	if err != nil {
		log.WithFields(log.Fields{"subscriber": subscriber, "query": name, "err": err}).
			Warn("failed to observe query")
		return
	}

	// Replay the current snapshot to just this subscriber. Diffs of later
	// evaluations follow via regular fan-out.
	var o = reg.Observer(query.Name)
	if o == nil {
		return
	}
	for _, row := range rows {
		var order = row.Order
		_ = pub.Publish(subscriber, transport.Message{
			Msg:        transport.KindAdded,
			Observer:   o.ID,
			PrimaryKey: o.PrimaryKey(),
			Order:      &order,
			Item:       row.Content,
		})
	}
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve liveq observers", `
Serve live query observers with the provided configuration, until signaled
to exit (via SIGTERM or SIGINT).
`, &serveLiveq{})

	mbp.MustParseConfig(parser, iniFilename)
}
