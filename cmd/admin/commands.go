package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"tollgate/internal/bootstrap"
	"tollgate/internal/capabilities"
	"tollgate/internal/config"
	billingSvc "tollgate/internal/domain/services/billing"
	"tollgate/internal/service/billing"
	serviceLLM "tollgate/internal/service/llm"
)

// env holds the configuration and logger shared by every command
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadEnv(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return &env{cfg: cfg, logger: logger}, nil
}

// withBalances opens storage and runs fn against the balance service
func withBalances(c *cli.Context, fn func(ctx context.Context, svc billingSvc.BalanceService) error) error {
	e, err := loadEnv(c)
	if err != nil {
		return err
	}
	if e.cfg.Storage == config.StorageMemory {
		return fmt.Errorf("balance commands need persistent storage; set STORAGE=%s", config.StoragePostgres)
	}

	ctx := c.Context
	repos, closeRepos, err := bootstrap.OpenRepositories(ctx, e.cfg, false, e.logger)
	if err != nil {
		return err
	}
	defer closeRepos()

	return fn(ctx, billing.NewService(repos.Balances, e.cfg.LocalCurrency, e.logger))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create missing tables and indexes",
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			if err := bootstrap.MigrateOnly(c.Context, e.cfg, e.logger); err != nil {
				return err
			}
			fmt.Printf("schema up to date (prefix %q)\n", e.cfg.TablePrefix)
			return nil
		},
	}
}

var userFlag = &cli.StringFlag{
	Name:     "user",
	Aliases:  []string{"u"},
	Usage:    "User ID (JWT subject)",
	Required: true,
}

func creditCommand() *cli.Command {
	return &cli.Command{
		Name:  "credit",
		Usage: "Add prepaid funds to a user's balance",
		Flags: []cli.Flag{
			userFlag,
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Amount in the local billing currency",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", c.String("amount"), err)
			}
			return withBalances(c, func(ctx context.Context, svc billingSvc.BalanceService) error {
				balance, err := svc.Credit(ctx, &billingSvc.CreditRequest{UserID: c.String("user"), Amount: amount})
				if err != nil {
					return err
				}
				return printJSON(balance)
			})
		},
	}
}

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show a user's balance",
		Flags: []cli.Flag{userFlag},
		Action: func(c *cli.Context) error {
			return withBalances(c, func(ctx context.Context, svc billingSvc.BalanceService) error {
				balance, err := svc.GetBalance(ctx, c.String("user"))
				if err != nil {
					return err
				}
				return printJSON(balance)
			})
		},
	}
}

func chargesCommand() *cli.Command {
	return &cli.Command{
		Name:  "charges",
		Usage: "List a user's most recent charges",
		Flags: []cli.Flag{
			userFlag,
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of ledger entries",
				Value: config.DefaultPageSize,
			},
		},
		Action: func(c *cli.Context) error {
			return withBalances(c, func(ctx context.Context, svc billingSvc.BalanceService) error {
				charges, err := svc.ListCharges(ctx, c.String("user"), c.Int("limit"))
				if err != nil {
					return err
				}
				return printJSON(charges)
			})
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Print the live price and exchange rate for a model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "Model ID; defaults to DEFAULT_MODEL",
			},
			&cli.IntFlag{
				Name:  "prompt-tokens",
				Usage: "Also price a request with this many prompt tokens",
			},
			&cli.IntFlag{
				Name:  "completion-tokens",
				Usage: "Also price a request with this many completion tokens",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			catalog, err := capabilities.NewRegistry()
			if err != nil {
				return err
			}

			model := c.String("model")
			if model == "" {
				model = e.cfg.DefaultModel
			}

			oracle := serviceLLM.SetupPricing(e.cfg, catalog, e.logger)
			quote, err := oracle.Quote(c.Context, model)
			if err != nil {
				return err
			}

			out := map[string]interface{}{"quote": quote}
			if c.IsSet("prompt-tokens") || c.IsSet("completion-tokens") {
				out["cost"] = quote.CostFor(c.Int("prompt-tokens"), c.Int("completion-tokens"))
			}
			return printJSON(out)
		},
	}
}

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the built-in model catalog",
		Action: func(c *cli.Context) error {
			catalog, err := capabilities.NewRegistry()
			if err != nil {
				return err
			}
			return printJSON(catalog.ListModels())
		},
	}
}
