package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/database"
	"github.com/readlogapp/readlog/pkg/migrations"
	"github.com/readlogapp/readlog/pkg/server"
	"github.com/readlogapp/readlog/pkg/version"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx := context.Background()
	log := logger.New()

	log.Info("starting readlog", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	// Uploads and pulled files are staged here before they are opened.
	if err := initDataDir(cfg.DataDir); err != nil {
		log.Err(err).Fatal("data directory error")
	}
	log.Info("data directory initialized", logger.Data{"path": cfg.DataDir})

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	reader, err := database.NewReader(cfg, db)
	if err != nil {
		log.Err(err).Fatal("database reader error")
	}

	srv, err := server.New(cfg, db, reader)
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}

		log.Info("server started", logger.Data{"port": listener.Addr().(*net.TCPAddr).Port})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	<-graceful
	log.Info("starting graceful shutdown")

	// In-flight imports finish (or roll back) before the database closes.
	err = srv.Shutdown(ctx)
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	srv.Stop()
	log.Info("server shutdown")

	if reader != db {
		if err := reader.Close(); err != nil {
			log.Err(err).Error("database reader close error")
		}
	}
	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}

// initDataDir creates the data directory and verifies write permissions.
func initDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create data directory: %s", dir)
	}

	f, err := os.CreateTemp(dir, ".write_test-*")
	if err != nil {
		return errors.Wrapf(err, "data directory is not writable: %s", dir)
	}
	f.Close()

	if err := os.Remove(f.Name()); err != nil {
		return errors.Wrapf(err, "failed to clean up write test file: %s", f.Name())
	}

	return nil
}
