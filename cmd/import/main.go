package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/database"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/migrations"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/readlogapp/readlog/pkg/reconcile"
	"github.com/readlogapp/readlog/pkg/webdav"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	var (
		cfg          *config.Config
		db           *bun.DB
		orchestrator *imports.Orchestrator
	)

	deviceFlag := &cli.StringFlag{
		Name:  "device-id",
		Usage: "attribute the sessions to this device instead of a placeholder",
	}

	app := &cli.App{
		Name:  "import",
		Usage: "import KOReader reading statistics without going through the API",
		Before: func(c *cli.Context) error {
			var err error
			cfg, err = config.New()
			if err != nil {
				return errors.WithStack(err)
			}
			db, err = database.New(cfg)
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := migrations.BringUpToDate(c.Context, db); err != nil {
				return errors.WithStack(err)
			}
			orchestrator = imports.New(cfg, db, reconcile.NewStore(db), webdav.NewClient(cfg.PullTimeout, cfg.UploadMaxSizeMB))
			return nil
		},
		After: func(c *cli.Context) error {
			if db == nil {
				return nil
			}
			return errors.WithStack(db.Close())
		},
		Commands: []*cli.Command{
			{
				Name:      "file",
				Usage:     "import a statistics.sqlite3 file",
				ArgsUsage: "<path/to/statistics.sqlite3>",
				Flags:     []cli.Flag{deviceFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return errors.New("exactly one file path is required")
					}
					// Submit removes the file it is given, so work on a copy.
					path, err := stage(cfg.DataDir, c.Args().First())
					if err != nil {
						return err
					}
					res, err := orchestrator.Submit(c.Context, imports.Submission{
						Source:   models.ImportSourceUploadedFile,
						Path:     path,
						DeviceID: c.String("device-id"),
					})
					if err != nil {
						return err
					}
					return printResult(res)
				},
			},
			{
				Name:  "webdav",
				Usage: "pull statistics.sqlite3 from a WebDAV share and import it",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Required: true, Usage: "base URL of the share"},
					&cli.StringFlag{Name: "folder", Usage: "folder holding statistics.sqlite3"},
					&cli.StringFlag{Name: "username", EnvVars: []string{"WEBDAV_USERNAME"}},
					&cli.StringFlag{Name: "password", EnvVars: []string{"WEBDAV_PASSWORD"}},
					deviceFlag,
				},
				Action: func(c *cli.Context) error {
					res, err := orchestrator.Submit(c.Context, imports.Submission{
						Source: models.ImportSourcePulledFile,
						Pull: &webdav.PullRequest{
							URL:      c.String("url"),
							Folder:   c.String("folder"),
							Username: c.String("username"),
							Password: c.String("password"),
						},
						DeviceID: c.String("device-id"),
					})
					if err != nil {
						return err
					}
					return printResult(res)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("import failed")
	}
}

func stage(dir, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, "cli-*.sqlite3")
	if err != nil {
		return "", errors.WithStack(err)
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return "", errors.WithStack(err)
	}
	return out.Name(), nil
}

func printResult(res *imports.Result) error {
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Println(string(out))
	return nil
}
