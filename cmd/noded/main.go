// Command noded is the node binary's entrypoint: it loads configuration,
// opens the on-disk database, and runs a Node until it receives a signal.
// The consensus/validation engine (iface.NodeProcessor, iface.ChainReader,
// miner.PoWSearcher) is out of scope (spec.md §1 Non-goals: "state
// transition rules, the reward schedule, signature schemes") and is
// supplied here by noopEngine, a stand-in that accepts no data and mines
// nothing; a real deployment links in its own engine satisfying the same
// three interfaces.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/duskveil/node/config"
	"github.com/duskveil/node/internal/xlog"
	"github.com/duskveil/node/node"
	"github.com/duskveil/node/nodedb"
)

func main() {
	cfgPath := flag.String("config", "", "path to a TOML config file (defaults omitted fields)")
	dbPath := flag.String("db", "./noded-data", "path to the node's leveldb directory")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		xlog.SetLevel(slog.LevelDebug)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			xlog.Fatalf("load config %s: %v", *cfgPath, err)
		}
		cfg = loaded
	}

	db, err := nodedb.Open(*dbPath)
	if err != nil {
		xlog.Fatalf("open database %s: %v", *dbPath, err)
	}
	defer db.Close()

	engine := &noopEngine{}
	n, err := node.New(cfg, engine, db, engine, engine)
	if err != nil {
		xlog.Fatalf("construct node: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	xlog.Info("starting node", "db", *dbPath)
	n.Run(ctx)
	xlog.Info("node stopped")
}
