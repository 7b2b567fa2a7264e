package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/croquery/croquery/config"
	"github.com/croquery/croquery/internal/backends"
	"github.com/croquery/croquery/internal/ingest"
	"github.com/croquery/croquery/internal/server"
)

func main() {
	var configPath string
	root := &cobra.Command{Use: "croquery"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	var serveAddr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			return server.Run(cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")

	var sessionID string
	var maxIterations int
	ask := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a single question from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			eng, closers, err := server.BuildEngine(cfg)
			if err != nil {
				return err
			}
			defer closers.Close()

			question := ""
			for i, a := range args {
				if i > 0 {
					question += " "
				}
				question += a
			}
			resp, err := eng.Query(cmd.Context(), question, maxIterations, sessionID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	ask.Flags().StringVar(&sessionID, "session", "", "session id for conversational context")
	ask.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration cap (0 = config default)")

	var table string
	var skipVectors bool
	ingestCmd := &cobra.Command{
		Use:   "ingest [csv file]",
		Short: "Load a CSV file into the structured store and similarity index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			if table == "" {
				return fmt.Errorf("--table is required")
			}

			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			pg, err := backends.NewPostgresBackend(dsn)
			if err != nil {
				return err
			}
			defer pg.Close()

			var vec ingest.Vectorizer
			if !skipVectors {
				wv, err := backends.NewWeaviateBackend(cfg.Storage.Weaviate.Scheme, cfg.Storage.Weaviate.Host, cfg.Storage.Weaviate.APIKey)
				if err != nil {
					return err
				}
				vec = wv
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			summary, err := ingest.NewLoader(pg.DB(), vec).LoadCSV(cmd.Context(), table, f)
			if err != nil {
				return err
			}
			fmt.Printf("loaded %d rows into %s (%d columns, %d vectors)\n",
				summary.Rows, summary.Table, len(summary.Columns), summary.Vectors)
			return nil
		},
	}
	ingestCmd.Flags().StringVar(&table, "table", "", "target table name")
	ingestCmd.Flags().BoolVar(&skipVectors, "skip-vectors", false, "skip the similarity-index mirror")

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List or clear conversation sessions",
	}
	sessionsList := &cobra.Command{
		Use:   "list",
		Short: "List live session ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			eng, closers, err := server.BuildEngine(cfg)
			if err != nil {
				return err
			}
			defer closers.Close()
			ids, err := eng.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
	sessionsClear := &cobra.Command{
		Use:   "clear [session id]",
		Short: "Clear one session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(configPath)
			eng, closers, err := server.BuildEngine(cfg)
			if err != nil {
				return err
			}
			defer closers.Close()
			return eng.ClearSession(cmd.Context(), args[0])
		},
	}
	sessions.AddCommand(sessionsList, sessionsClear)

	root.AddCommand(serve, ask, ingestCmd, sessions)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
