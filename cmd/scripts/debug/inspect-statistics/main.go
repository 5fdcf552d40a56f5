package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/readlogapp/readlog/pkg/adapter"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/robinjoseph08/golib/logger"
)

func main() {
	log := logger.New()

	var opts struct {
		DeviceID string `short:"d" long:"device-id" default:"inspect" description:"Device id to attribute sessions to"`
		Verbose  bool   `short:"v" long:"verbose" description:"Print every book"`
	}

	args, err := flags.Parse(&opts)
	if err != nil {
		log.Err(err).Fatal("flags parse error")
	}

	if len(args) != 1 {
		fmt.Println("go run ./cmd/scripts/debug/inspect-statistics <path/to/statistics.sqlite3>")
		os.Exit(1)
	}

	cfg := config.NewForTest()
	ctx := context.Background()

	container, err := adapter.OpenContainer(ctx, args[0], adapter.ContainerLimits{
		MaxBytes: cfg.UploadMaxSizeBytes(),
		MaxRows:  cfg.MaxContainerRows,
	})
	if err != nil {
		log.Err(err).Fatal("open container error")
	}
	defer container.Close()

	batch, err := container.Extract(ctx, opts.DeviceID)
	if err != nil {
		log.Err(err).Fatal("extract error")
	}

	fmt.Printf("Schema version: %d (minimum %d)\nBooks: %d\nSessions: %d\nAnnotations: %d\n",
		container.SchemaVersion(), cfg.MinStatisticsSchemaVersion,
		len(batch.Books), len(batch.PageStats), len(batch.Annotations))

	if opts.Verbose {
		for _, b := range batch.Books {
			fmt.Printf("  %s  %s (%s)\n", b.MD5, b.Title, b.Authors)
		}
	}
}
