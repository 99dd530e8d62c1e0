// ledgerctl - command-line access to the trade-execution ledger
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/ledger-engine/internal/app"
	"github.com/atmx/ledger-engine/internal/config"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/logger"
	"github.com/atmx/ledger-engine/internal/model"
)

var (
	owner    string
	output   string
	logLevel string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// session is the wired engine for one invocation.
type session struct {
	app          *app.App
	printer      *printer
	startingCash decimal.Decimal
}

func newRootCmd() *cobra.Command {
	var s session

	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Execute orders and inspect portfolios",
		Long: `ledgerctl runs the ledger engine against the store configured in the
environment (DATABASE_URL, REDIS_URL), the same way the server does.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("%w: --owner is required", ledger.ErrInvalidOrder)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd.OutOrStdout(), output, cfg.Currency)
			if err != nil {
				return err
			}
			level, err := logger.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, logger.New(cmd.ErrOrStderr(), "ledgerctl", level))
			if err != nil {
				return err
			}
			s = session{app: a, printer: p, startingCash: cfg.StartingCash}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if s.app != nil {
				s.app.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&owner, "owner", "u", "", "Portfolio owner")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(openCmd(&s))
	rootCmd.AddCommand(orderCmd(&s, model.Buy))
	rootCmd.AddCommand(orderCmd(&s, model.Sell))
	rootCmd.AddCommand(depositCmd(&s))
	rootCmd.AddCommand(resetCmd(&s))
	rootCmd.AddCommand(showCmd(&s))
	rootCmd.AddCommand(tradesCmd(&s))

	return rootCmd
}

func openCmd(s *session) *cobra.Command {
	var cash string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Create the portfolio if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount := s.startingCash
			if cash != "" {
				var err error
				if amount, err = parseDecimal("cash", cash); err != nil {
					return err
				}
			}
			snap, err := s.app.Engine.Open(cmd.Context(), owner, amount)
			if err != nil {
				return err
			}
			return s.printer.snapshot(snap)
		},
	}
	cmd.Flags().StringVar(&cash, "cash", "", "Initial cash (defaults to LEDGER_STARTING_CASH)")
	return cmd
}

func orderCmd(s *session, side model.Side) *cobra.Command {
	var symbol string
	name := "buy"
	if side == model.Sell {
		name = "sell"
	}
	cmd := &cobra.Command{
		Use:   name + " TOKEN QUANTITY PRICE",
		Short: fmt.Sprintf("Execute a %s order at a given price", side),
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: quantity %q is not an integer", ledger.ErrInvalidOrder, args[1])
			}
			price, err := parseDecimal("price", args[2])
			if err != nil {
				return err
			}
			snap, t, err := s.app.Engine.Execute(cmd.Context(), model.Order{
				Owner:    owner,
				Token:    args[0],
				Symbol:   symbol,
				Side:     side,
				Quantity: qty,
				Price:    price,
			})
			if err != nil {
				return err
			}
			return s.printer.fill(t, snap)
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Trading symbol recorded with the position")
	return cmd
}

func depositCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "deposit AMOUNT",
		Short: "Add cash to the portfolio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseDecimal("amount", args[0])
			if err != nil {
				return err
			}
			snap, err := s.app.Engine.Deposit(cmd.Context(), owner, amount)
			if err != nil {
				return err
			}
			return s.printer.snapshot(snap)
		},
	}
}

func resetCmd(s *session) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore starting cash and wipe positions and trade history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes the trade history; pass --yes to confirm")
			}
			snap, err := s.app.Engine.Reset(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return s.printer.snapshot(snap)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}

func showCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the portfolio marked to the latest quotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := s.app.Engine.Valuate(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return s.printer.valuation(v)
		},
	}
}

func tradesCmd(s *session) *cobra.Command {
	var (
		limit int
		token string
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recent trades, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trades, err := s.app.Engine.ListRecentTrades(cmd.Context(), owner, limit, token)
			if err != nil {
				return err
			}
			return s.printer.trades(trades)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of trades")
	cmd.Flags().StringVar(&token, "token", "", "Only trades of this instrument token")
	return cmd
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", ledger.ErrInvalidOrder, name, s)
	}
	return v, nil
}

// exitCode distinguishes rejected orders (2) and retryable failures (3)
// from everything else (1).
func exitCode(err error) int {
	switch kind := ledger.KindOf(err); {
	case kind.Retryable():
		return 3
	case kind != ledger.KindUnknown:
		return 2
	default:
		return 1
	}
}
