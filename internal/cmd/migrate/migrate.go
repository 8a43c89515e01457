package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/moodlog/conversation-store/internal/config"
	registrymigrate "github.com/moodlog/conversation-store/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Import plugins to trigger init() registration of their migrators.
	_ "github.com/moodlog/conversation-store/internal/plugin/content/s3store"
	_ "github.com/moodlog/conversation-store/internal/plugin/docstore/mongo"
)

// Command returns the migrate sub-command. It prepares the document store
// indexes and, when the S3 content store is selected, its bucket.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "migrate",
		Usage: "Prepare backend storage (document store indexes, content bucket)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "db-url",
				Sources:     cli.EnvVars("CONVERSATION_STORE_DB_URL", "MONGODB_URI"),
				Destination: &cfg.DBURL,
				Usage:       "MongoDB connection URL",
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "db-name",
				Sources:     cli.EnvVars("CONVERSATION_STORE_DB_NAME"),
				Destination: &cfg.DBName,
				Value:       cfg.DBName,
				Usage:       "Database name",
			},
			&cli.StringFlag{
				Name:        "content-kind",
				Sources:     cli.EnvVars("CONVERSATION_STORE_CONTENT_KIND"),
				Destination: &cfg.ContentStoreType,
				Value:       cfg.ContentStoreType,
				Usage:       "Content store whose storage should be prepared",
			},
			&cli.StringFlag{
				Name:        "s3-bucket",
				Sources:     cli.EnvVars("CONVERSATION_STORE_S3_BUCKET"),
				Destination: &cfg.S3Bucket,
				Usage:       "S3 bucket to create when missing",
			},
			&cli.BoolFlag{
				Name:        "s3-use-path-style",
				Sources:     cli.EnvVars("CONVERSATION_STORE_S3_USE_PATH_STYLE"),
				Destination: &cfg.S3UsePathStyle,
				Usage:       "Use path-style S3 addressing",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.DocStoreType = "mongo"
			cfg.DatastoreMigrateAtStart = true
			cfg.MigrationsRequired = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations", "migrators", registrymigrate.Names())
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
