// fundctl is the operator CLI for the keeper account's payment-token funds:
// inspect balances, approve the subscription contract, move tokens out.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"vault-keeper/internal/config"
	"vault-keeper/internal/ledger"
)

const tokenDecimals = 18

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}

// session is what every subcommand needs: config, a connected client and
// the token it operates on.
type session struct {
	cfg    *config.Config
	client *ledger.Client
	token  common.Address
}

func rootCmd(ctx context.Context) *cobra.Command {
	var (
		cfgPath string
		token   string
		verbose bool
	)
	root := &cobra.Command{
		Use:           "fundctl",
		Short:         "Manage the keeper account's payment-token funds",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "configs/config.yaml", "keeper config file")
	root.PersistentFlags().StringVar(&token, "token", "", "ERC-20 address (default contracts.payment_token)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")

	open := func() (*session, error) {
		if p := os.Getenv("KEEPER_CONFIG"); p != "" && !root.PersistentFlags().Changed("config") {
			cfgPath = p
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if cfg.Chain.PrivateKey == "" || cfg.Chain.RPCURL == "" {
			return nil, fmt.Errorf("chain.rpc_url and chain.private_key are required")
		}

		addr := token
		if addr == "" {
			addr = cfg.Contracts.PaymentToken
		}
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("no token address: pass --token or set contracts.payment_token")
		}

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		client, err := ledger.Dial(dialCtx, *cfg, logger)
		if err != nil {
			return nil, err
		}
		return &session{cfg: cfg, client: client, token: common.HexToAddress(addr)}, nil
	}

	root.AddCommand(balanceCmd(ctx, open))
	root.AddCommand(approveCmd(ctx, open))
	root.AddCommand(transferCmd(ctx, open))
	return root
}

func balanceCmd(ctx context.Context, open func() (*session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "balance [account]",
		Short: "Show token balance and allowance to the subscription contract",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open()
			if err != nil {
				return err
			}
			defer s.client.Close()

			account := s.client.Address()
			if len(args) == 1 {
				if !common.IsHexAddress(args[0]) {
					return fmt.Errorf("invalid account %q", args[0])
				}
				account = common.HexToAddress(args[0])
			}

			balance, err := s.client.BalanceOf(ctx, s.token, account)
			if err != nil {
				return fmt.Errorf("balance: %w", err)
			}
			allowance, err := s.client.Allowance(ctx, s.token, account, s.cfg.Contracts.SubscriptionsAddress())
			if err != nil {
				return fmt.Errorf("allowance: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account:   %s\n", account.Hex())
			fmt.Fprintf(out, "token:     %s\n", s.token.Hex())
			fmt.Fprintf(out, "balance:   %s\n", formatUnits(balance))
			fmt.Fprintf(out, "allowance: %s\n", formatUnits(allowance))
			return nil
		},
	}
}

func approveCmd(ctx context.Context, open func() (*session, error)) *cobra.Command {
	var spender string
	cmd := &cobra.Command{
		Use:   "approve <amount>",
		Short: "Approve the subscription contract (or --spender) to pull tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseUnits(args[0])
			if err != nil {
				return err
			}
			s, err := open()
			if err != nil {
				return err
			}
			defer s.client.Close()

			to := s.cfg.Contracts.SubscriptionsAddress()
			if spender != "" {
				if !common.IsHexAddress(spender) {
					return fmt.Errorf("invalid spender %q", spender)
				}
				to = common.HexToAddress(spender)
			}
			return send(ctx, cmd, s, ledger.Approve(s.token, to, amount))
		},
	}
	cmd.Flags().StringVar(&spender, "spender", "", "spender address (default contracts.subscriptions)")
	return cmd
}

func transferCmd(ctx context.Context, open func() (*session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <to> <amount>",
		Short: "Transfer tokens from the keeper account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("invalid recipient %q", args[0])
			}
			amount, err := parseUnits(args[1])
			if err != nil {
				return err
			}
			s, err := open()
			if err != nil {
				return err
			}
			defer s.client.Close()

			return send(ctx, cmd, s, ledger.Transfer(s.token, common.HexToAddress(args[0]), amount))
		},
	}
}

// send submits call and waits for its receipt.
func send(ctx context.Context, cmd *cobra.Command, s *session, call ledger.Call) error {
	out := cmd.OutOrStdout()

	pending, err := s.client.Submit(ctx, call)
	if err != nil {
		return err
	}
	if pending.DryRun {
		fmt.Fprintf(out, "dry run: %s not sent\n", call)
		return nil
	}
	fmt.Fprintf(out, "sent %s: %s\n", call.Method, pending.Hash.Hex())

	conf, err := s.client.WaitConfirmed(ctx, pending)
	if err != nil {
		return err
	}
	if !conf.Success {
		return fmt.Errorf("transaction %s reverted in block %d", conf.Hash.Hex(), conf.Block)
	}
	fmt.Fprintf(out, "confirmed in block %d, fee %s\n", conf.Block, formatUnits(conf.EffectiveFee))
	return nil
}

// parseUnits converts a decimal token amount to base units.
func parseUnits(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %s", s)
	}
	units := d.Shift(tokenDecimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", s, tokenDecimals)
	}
	return units.BigInt(), nil
}

func formatUnits(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -tokenDecimals).String()
}
