package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/sempo/ethworker/config"
	"github.com/sempo/ethworker/internal/app"
	"github.com/sempo/ethworker/internal/logging"
	"github.com/sempo/ethworker/internal/types"
	"github.com/sempo/ethworker/internal/wallet"
)

func main() {
	cfg, err := config.ReadConfig("config")
	if err != nil {
		log.Fatalf("fail to load config: %v", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("fail to create logger: %v", err)
	}
	ctx := context.Background()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("fail to start: %v", err)
	}
	defer application.Close()

	cmd := &cli.Command{
		EnableShellCompletion: true,
		Name:                  "taskctl",
		Description:           "Operator tool for the blockchain task worker.",
		Usage:                 "taskctl [command] [flags]",
		Commands: []*cli.Command{
			createWalletCommand(application),
			sendEthCommand(application),
			retryTaskCommand(application),
			retryFailedCommand(application),
			removePriorCommand(application),
			removePosteriorsCommand(application),
			statusCommand(application),
		},
	}
	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Errorf("%v", err)
		application.Close()
		os.Exit(1)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(c *cli.Command, name string) (int64, error) {
	id, err := strconv.ParseInt(c.String(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--%s must be an integer: %w", name, err)
	}
	return id, nil
}

func createWalletCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "create-wallet",
		Usage: "Stores a signing wallet. A key is generated when --private-key is omitted.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "private-key", Usage: "hex private key to import"},
			&cli.StringFlag{Name: "target-balance", Usage: "top-up target in ETH"},
			&cli.StringFlag{Name: "topup-threshold", Usage: "balance in ETH below which a top-up is queued"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			opts := wallet.CreateOptions{}
			var err error
			if v := c.String("target-balance"); v != "" {
				if opts.TargetBalance, err = ParseEther(v); err != nil {
					return err
				}
			}
			if v := c.String("topup-threshold"); v != "" {
				if opts.TopupThreshold, err = ParseEther(v); err != nil {
					return err
				}
			}
			w, err := a.Wallets.Create(ctx, c.String("private-key"), opts)
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
}

func sendEthCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "send-eth",
		Usage: "Queues an ether transfer.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uuid", Usage: "task uuid (generated when empty)"},
			&cli.StringFlag{Name: "from", Usage: "signing wallet address", Required: true},
			&cli.StringFlag{Name: "to", Usage: "recipient address", Required: true},
			&cli.StringFlag{Name: "amount", Usage: "amount in ETH", Required: true},
			&cli.StringSliceFlag{Name: "prior", Usage: "uuid of a task that must succeed first"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			amount, err := ParseEther(c.String("amount"))
			if err != nil {
				return err
			}
			id := c.String("uuid")
			if id == "" {
				id = uuid.NewString()
			}
			taskID, err := a.Manager.SendEth(ctx, types.SendEthRequest{
				UUID:             id,
				AmountWei:        amount.String(),
				RecipientAddress: c.String("to"),
				Signer:           types.Signer{Address: c.String("from")},
				Dependencies:     types.Dependencies{PriorTasks: c.StringSlice("prior")},
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"task_id": taskID, "uuid": id})
		},
	}
}

func retryTaskCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "retry-task",
		Usage: "Re-drives one task, checking earlier attempts on chain first.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uuid", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			status, err := a.Manager.RetryTask(ctx, c.String("uuid"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"status": status})
		},
	}
}

func retryFailedCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "retry-failed",
		Usage: "Retries every FAILED task in an id range.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "min-id", Value: "1"},
			&cli.StringFlag{Name: "max-id", Required: true},
			&cli.BoolFlag{Name: "include-unstarted", Usage: "also retry tasks that never ran"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			minID, err := parseID(c, "min-id")
			if err != nil {
				return err
			}
			maxID, err := parseID(c, "max-id")
			if err != nil {
				return err
			}
			if minID > maxID {
				return fmt.Errorf("--min-id %d is above --max-id %d", minID, maxID)
			}
			n, err := a.Manager.RetryFailed(ctx, minID, maxID, c.Bool("include-unstarted"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"retried": n})
		},
	}
}

func removePriorCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "remove-prior",
		Usage: "Drops one dependency of a task and attempts it.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uuid", Required: true},
			&cli.StringFlag{Name: "prior", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return a.Manager.RemovePriorTaskDependency(ctx, c.String("uuid"), c.String("prior"))
		},
	}
}

func removePosteriorsCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "remove-posteriors",
		Usage: "Releases every task waiting on the given task.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uuid", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			released, err := a.Manager.RemoveAllPosteriorDependencies(ctx, c.String("uuid"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"released": released})
		},
	}
}

func statusCommand(a *app.App) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Shows a task, its dependencies and its attempts.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "uuid", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			report, err := a.Manager.Status(ctx, c.String("uuid"))
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
}
