package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/database"
	"github.com/readlogapp/readlog/pkg/migrations"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v2"
)

func main() {
	log := logger.New()

	var migrator *migrate.Migrator

	app := &cli.App{
		Name:  "migrations",
		Usage: "manage the readlog database schema",
		Before: func(c *cli.Context) error {
			cfg, err := config.New()
			if err != nil {
				return errors.WithStack(err)
			}
			db, err := database.New(cfg)
			if err != nil {
				return errors.WithStack(err)
			}
			migrator = migrations.NewMigrator(db)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create migration tables",
				Action: func(c *cli.Context) error {
					return errors.WithStack(migrator.Init(c.Context))
				},
			},
			{
				Name:  "migrate",
				Usage: "apply pending migrations",
				Action: func(c *cli.Context) error {
					if err := migrator.Init(c.Context); err != nil {
						return errors.WithStack(err)
					}
					group, err := migrator.Migrate(c.Context)
					if err != nil {
						return errors.WithStack(err)
					}
					if group.ID == 0 {
						fmt.Println("Schema is up to date")
						return nil
					}
					fmt.Printf("Migrated to %s\n", group)
					return nil
				},
			},
			{
				Name:  "rollback",
				Usage: "roll back the last migration group",
				Action: func(c *cli.Context) error {
					group, err := migrator.Rollback(c.Context)
					if err != nil {
						return errors.WithStack(err)
					}
					if group.ID == 0 {
						fmt.Println("Nothing to roll back")
						return nil
					}
					fmt.Printf("Rolled back %s\n", group)
					return nil
				},
			},
			{
				Name:      "create",
				Usage:     "create a Go migration",
				ArgsUsage: "<name words...>",
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return errors.New("a migration name is required")
					}
					name := strings.Join(c.Args().Slice(), "_")
					mf, err := migrator.CreateGoMigration(c.Context, name, migrate.WithGoTemplate(migrationTemplate))
					if err != nil {
						return errors.WithStack(err)
					}
					fmt.Printf("Created migration %s (%s)\n", mf.Name, mf.Path)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "print migration status",
				Action: func(c *cli.Context) error {
					ms, err := migrator.MigrationsWithStatus(c.Context)
					if err != nil {
						return errors.WithStack(err)
					}
					fmt.Printf("Applied: %s\n", ms.Applied())
					fmt.Printf("Pending: %s\n", ms.Unapplied())
					fmt.Printf("Last group: %s\n", ms.LastGroup())
					return nil
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Err(err).Fatal("migrations failed")
	}
}

const migrationTemplate = `package %s

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, "")
		return errors.WithStack(err)
	}

	down := func(ctx context.Context, db *bun.DB) error {
		_, err := db.ExecContext(ctx, "")
		return errors.WithStack(err)
	}

	Migrations.MustRegister(up, down)
}
`
