// Command pgstored is the placement-group storage daemon: it opens a
// node's superblock/index stores, joins its BFTRaft consensus groups,
// and serves the operation surface spec.md §6 defines. Grounded on the
// teacher's drone/main.go (init wallet db, join network, register
// storage contracts, start server), generalized from a single global
// stash group to per-PG consensus groups.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	bft "github.com/PomeloCloud/BFTRaft4go/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/PomeloCloud/pgstore/replication/bftraft"
	"github.com/PomeloCloud/pgstore/server"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())

	app := &cli.App{
		Name:  "pgstored",
		Usage: "replicated chunk-based object storage daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "pgstore.yaml", Usage: "cluster config path"},
			&cli.StringFlag{Name: "wallet-db", Value: "wallet.db", Usage: "BFTRaft4go identity database path"},
		},
		Action: func(cctx *cli.Context) error {
			return run(cctx.String("config"), cctx.String("wallet-db"), log)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("pgstored exited")
	}
}

func run(configPath, walletDB string, log *logrus.Entry) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}

	initWallet(walletDB, log)

	bootstraps := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		bootstraps = append(bootstraps, p.Address)
	}
	raft, err := bft.GetServer(bft.Options{
		DBPath:           walletDB,
		Address:          cfg.BindAddress,
		Bootstrap:        bootstraps,
		ConsensusTimeout: 5 * time.Second,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.IndexDir, 0o755); err != nil {
		return err
	}
	sb, err := server.OpenSuperblockStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer sb.Close()

	chunkSel := server.NewChunkSelector(uint64(cfg.ChunkSize.Bytes()), server.DataBlockSize)

	engine := server.NewEngine(cfg, sb, chunkSel, log)
	adapter := bftraft.New(raft, engine, log)
	engine.SetPort(adapter, cfg.IndexDir)

	log.Println("joining consensus network")
	raft.StartServer()
	time.Sleep(1 * time.Second)

	log.Println("recovering local state")
	if err := engine.Recovery.Run(cfg.ChunksFromDevices()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	go engine.RunCheckpointLoop(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Println("shutting down, flushing checkpoints")
	cancel()
	engine.Checkpoint.Flush()
	return nil
}

func initWallet(dbPath string, log *logrus.Entry) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Println("no wallet found, creating one")
		bft.InitDatabase(dbPath)
		return
	}
	log.Println("wallet already exists")
}

