// Command reaper downloads a single torrent described by a metainfo file to
// an output directory, implementing the BitTorrent v1 (BEP 3) core: tracker
// announce, peer handshakes, piece scheduling, and disk writes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nvke/reaper/internal/config"
	"github.com/nvke/reaper/internal/metainfo"
	"github.com/nvke/reaper/internal/orchestrator"
	"github.com/nvke/reaper/internal/rerrs"
	"github.com/nvke/reaper/internal/xlog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("reaper", flag.ContinueOnError)
	metainfoPath := fs.String("torrent", "", "path to the metainfo (.torrent) file")
	outputDir := fs.String("out", "", "output directory (must not already exist)")
	port := fs.Uint("port", uint(config.DefaultPort), "listening port advertised to the tracker")
	peerIDPrefix := fs.String("peer-id-prefix", "", `8-byte peer-id prefix, e.g. "-RP0001-"`)
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, or error")
	if err := fs.Parse(args); err != nil {
		return rerrs.ExitCode(rerrs.CategoryInput)
	}

	cfg, err := config.New(config.Options{
		MetainfoPath: *metainfoPath,
		OutputDir:    *outputDir,
		Port:         uint16(*port),
		PeerIDPrefix: *peerIDPrefix,
		LogLevel:     *logLevel,
	})
	if err != nil {
		return fail(err)
	}

	log := xlog.New(os.Stderr, cfg.LogLevel)

	mi, err := metainfo.ParseFile(cfg.MetainfoPath)
	if err != nil {
		return fail(err)
	}
	log.WithFields(xlog.Fields{"name": mi.Name, "pieces": mi.NumPieces()}).Info("metainfo parsed")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	orch := orchestrator.New(cfg, mi, log, func(verified, total int) {
		log.WithFields(xlog.Fields{"verified": verified, "total": total}).Info("progress")
	})

	if err := orch.Run(ctx); err != nil {
		return fail(err)
	}
	fmt.Fprintf(os.Stdout, "download complete: %s\n", cfg.OutputDir)
	return 0
}

func fail(err error) int {
	cat, ok := rerrs.CategoryOf(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "reaper: %s\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "reaper: %s: %s\n", cat, err)
	return rerrs.ExitCode(cat)
}
