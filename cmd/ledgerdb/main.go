// Command ledgerdb runs the ledgerdb engine from the terminal: a JSON/HTTP
// server plus one-shot subcommands for inserting, listing, querying and
// importing records.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/rickcollette/ledgerdb"
	"github.com/rickcollette/ledgerdb/config"
	"github.com/rickcollette/ledgerdb/ofx"
	"github.com/rickcollette/ledgerdb/record"
	"github.com/rickcollette/ledgerdb/server"
)

func main() {
	app := &cli.App{
		Name:    "ledgerdb",
		Usage:   "B-tree storage engine for financial records with O(log n) balance queries",
		Version: ledgerdb.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to TOML config"},
			&cli.StringFlag{Name: "data-dir", Usage: "override the configured data directory"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "debug logging"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			insertCommand(),
			listCommand(),
			balanceCommand(),
			importCommand(),
			saveCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerdb:", err)
		os.Exit(1)
	}
}

func logger(c *cli.Context) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}).
		Level(level).With().Timestamp().Logger()
}

// openLedger builds a ledger from the config file and loads the persisted
// account directories.
func openLedger(c *cli.Context) (*ledgerdb.Ledger, config.Config, error) {
	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, c.String("config"))
	if err != nil {
		return nil, cfg, err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	l := ledgerdb.New(ledgerdb.Options{
		Degree:        cfg.Degree,
		DataDir:       cfg.DataDir,
		EncryptionKey: cfg.Key(),
		Seed:          cfg.Seed,
		Fs:            fs,
		Logger:        logger(c),
	})
	if err := l.Load(); err != nil {
		return nil, cfg, err
	}
	return l, cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "override the configured listen address"},
		},
		Action: func(c *cli.Context) error {
			l, cfg, err := openLedger(c)
			if err != nil {
				return err
			}
			addr := cfg.ListenAddr
			if v := c.String("listen"); v != "" {
				addr = v
			}
			log := logger(c)
			srv := server.New(l, log)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go srv.RunAutosave(ctx, cfg.Autosave)

			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			log.Info().Str("addr", addr).Msg("serving")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			// Final flush so nothing written since the last autosave is lost.
			return l.Save()
		},
	}
}

func insertCommand() *cli.Command {
	return &cli.Command{
		Name:      "insert",
		Usage:     "insert one record",
		ArgsUsage: "ACCOUNT DATE AMOUNT [DESCRIPTION]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 3 {
				return fmt.Errorf("want ACCOUNT DATE AMOUNT [DESCRIPTION]")
			}
			date, err := time.Parse(time.RFC3339, c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("bad date %q, want RFC 3339: %w", c.Args().Get(1), err)
			}
			amount, err := decimal.NewFromString(c.Args().Get(2))
			if err != nil {
				return fmt.Errorf("bad amount %q: %w", c.Args().Get(2), err)
			}
			l, _, err := openLedger(c)
			if err != nil {
				return err
			}
			key, err := l.AdjustKey(record.NewKey(c.Args().Get(0), date, 0))
			if err != nil {
				return err
			}
			inserted, err := l.Insert(record.New(key, c.Args().Get(3), amount))
			if err != nil {
				return err
			}
			if !inserted {
				return fmt.Errorf("record %s already exists", key)
			}
			if err := l.Save(); err != nil {
				return err
			}
			fmt.Println("inserted", key)
			return nil
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "list an account's records in key order",
		ArgsUsage: "ACCOUNT",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("want ACCOUNT")
			}
			l, _, err := openLedger(c)
			if err != nil {
				return err
			}
			records, err := l.List(c.Args().First())
			if err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%s\t%s\t%s\n", r.Key, r.Amount, r.Description)
			}
			fmt.Printf("%s records\n", humanize.Comma(int64(len(records))))
			return nil
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "cumulative balance of an account up to a date",
		ArgsUsage: "ACCOUNT [DATE]",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("want ACCOUNT [DATE]")
			}
			date := time.Now().UTC()
			if c.NArg() > 1 {
				var err error
				if date, err = time.Parse(time.RFC3339, c.Args().Get(1)); err != nil {
					return fmt.Errorf("bad date %q, want RFC 3339: %w", c.Args().Get(1), err)
				}
			}
			l, _, err := openLedger(c)
			if err != nil {
				return err
			}
			balance, err := l.BalanceAsOf(record.NewKey(c.Args().First(), date, ^uint32(0)))
			if err != nil {
				return err
			}
			fmt.Println(balance)
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "import an OFX/QFX statement into an account",
		ArgsUsage: "ACCOUNT FILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("want ACCOUNT FILE")
			}
			f, err := os.Open(c.Args().Get(1))
			if err != nil {
				return err
			}
			defer f.Close()
			txns, err := ofx.Parse(f)
			if err != nil {
				return err
			}
			l, _, err := openLedger(c)
			if err != nil {
				return err
			}
			imported := 0
			for _, rec := range ofx.Records(c.Args().First(), txns) {
				key, err := l.AdjustKey(rec.Key)
				if err != nil {
					return err
				}
				rec.Key = key
				inserted, err := l.Insert(rec)
				if err != nil {
					return err
				}
				if inserted {
					imported++
				}
			}
			if err := l.Save(); err != nil {
				return err
			}
			fmt.Printf("imported %s of %s transactions\n",
				humanize.Comma(int64(imported)), humanize.Comma(int64(len(txns))))
			return nil
		},
	}
}

func saveCommand() *cli.Command {
	return &cli.Command{
		Name:  "save",
		Usage: "split overflowing nodes and flush every account tree",
		Action: func(c *cli.Context) error {
			l, _, err := openLedger(c)
			if err != nil {
				return err
			}
			return l.Save()
		},
	}
}
