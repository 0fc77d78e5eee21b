package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"midna/api/rpc"
	"midna/config"
	"midna/infra/log"
	"midna/infra/pinning"
)

// pinner uploads completion metadata; *pinning.Client satisfies it.
type pinner interface {
	TestAuthentication(ctx context.Context) error
	PinJSON(ctx context.Context, name string, content any) (string, error)
}

type cli struct {
	addr     string
	as       string
	timeout  time.Duration
	logLevel string

	out    io.Writer
	errOut io.Writer
	log    zerolog.Logger

	dial      func(addr string) (*grpc.ClientConn, error)
	newPinner func() (pinner, string, error)
}

func newCLI(out, errOut io.Writer) *cli {
	c := &cli{out: out, errOut: errOut, log: zerolog.Nop()}
	c.dial = func(addr string) (*grpc.ClientConn, error) {
		return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	c.newPinner = func() (pinner, string, error) {
		var pc config.PinningConfig
		if err := config.ParseEnv(&pc); err != nil {
			return nil, "", err
		}
		if pc.JWT == "" {
			return nil, "", fmt.Errorf("PINATA_JWT is required to pin metadata (or pass --ref)")
		}
		client, err := pinning.NewClient(pc.Endpoint, pc.JWT)
		if err != nil {
			return nil, "", err
		}
		return client, pc.Network, nil
	}
	return c
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "midnactl",
		Short:         "Operate a midna settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := log.New(c.errOut, c.logLevel, log.FormatPlain)
			if err != nil {
				return err
			}
			c.log = l
			return nil
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	root.PersistentFlags().StringVar(&c.addr, "addr", "localhost:50051", "engine gRPC address")
	root.PersistentFlags().StringVar(&c.as, "as", "", "party identity to act as")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "per-command timeout")
	root.PersistentFlags().StringVar(&c.logLevel, "log_level", "info", "log level")

	root.AddCommand(
		c.depositCmd(),
		c.createCmd(),
		c.fulfillCmd(),
		c.disputeCmd(),
		c.settleCmd(),
		c.getCmd(),
		c.balanceCmd(),
		c.availableCmd(),
		c.metadataCmd(),
	)
	return root
}

// -------------------- Commands --------------------

func (c *cli) depositCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "deposit <party> <amount>",
		Short: "Credit a party's available balance (settlement authority only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseUint("amount", args[1])
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), func(ctx context.Context, client *rpc.Client) (any, error) {
				return client.Deposit(ctx, &rpc.DepositRequest{Party: args[0], Amount: amount, Reference: ref})
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "idempotency reference for the deposit")
	return cmd
}

func (c *cli) createCmd() *cobra.Command {
	var (
		seller     string
		price      uint64
		collateral uint64
	)
	cmd := &cobra.Command{
		Use:   "create <order-id>",
		Short: "Create an order and lock the seller's collateral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint("order id", args[0])
			if err != nil {
				return err
			}
			if seller == "" {
				seller = c.as
			}
			return c.call(cmd.Context(), func(ctx context.Context, client *rpc.Client) (any, error) {
				return client.CreateOrder(ctx, &rpc.CreateOrderRequest{
					OrderID:    id,
					Seller:     seller,
					BasePrice:  price,
					Collateral: collateral,
				})
			})
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "seller party (defaults to --as)")
	cmd.Flags().Uint64Var(&price, "price", 0, "base price")
	cmd.Flags().Uint64Var(&collateral, "collateral", 0, "collateral to lock")
	return cmd
}

func (c *cli) fulfillCmd() *cobra.Command {
	return c.orderCmd("fulfill", "Fulfill an open order as the buyer", func(ctx context.Context, client *rpc.Client, id uint64) (any, error) {
		return client.FulfillOrder(ctx, &rpc.OrderRequest{OrderID: id})
	})
}

func (c *cli) disputeCmd() *cobra.Command {
	return c.orderCmd("dispute", "Flag an unsettled order as disputed", func(ctx context.Context, client *rpc.Client, id uint64) (any, error) {
		return client.DisputeOrder(ctx, &rpc.OrderRequest{OrderID: id})
	})
}

func (c *cli) getCmd() *cobra.Command {
	return c.orderCmd("get", "Show an order", func(ctx context.Context, client *rpc.Client, id uint64) (any, error) {
		return client.GetOrder(ctx, &rpc.OrderRequest{OrderID: id})
	})
}

func (c *cli) metadataCmd() *cobra.Command {
	return c.orderCmd("metadata", "Show the metadata reference recorded at settlement", func(ctx context.Context, client *rpc.Client, id uint64) (any, error) {
		return client.MetadataOf(ctx, &rpc.OrderRequest{OrderID: id})
	})
}

func (c *cli) balanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <order-id> <holder>",
		Short: "Show a holder's completion units for an order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint("order id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), func(ctx context.Context, client *rpc.Client) (any, error) {
				return client.BalanceOf(ctx, &rpc.BalanceRequest{OrderID: id, Holder: args[1]})
			})
		},
	}
}

func (c *cli) availableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available <party>",
		Short: "Show a party's available balance and total escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(cmd.Context(), func(ctx context.Context, client *rpc.Client) (any, error) {
				return client.AvailableBalance(ctx, &rpc.AvailableBalanceRequest{Party: args[0]})
			})
		},
	}
}

// settleCmd pins the completion metadata unless --ref is given, then
// settles with the resulting reference. A pinning failure aborts before
// anything is settled.
func (c *cli) settleCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "settle <order-id>",
		Short: "Settle a fulfilled order (settlement authority only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint("order id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), func(ctx context.Context, client *rpc.Client) (any, error) {
				metadataRef := ref
				if metadataRef == "" {
					metadataRef, err = c.pinMetadata(ctx, client, id)
					if err != nil {
						return nil, err
					}
				}
				return client.Settle(ctx, &rpc.SettleRequest{OrderID: id, MetadataRef: metadataRef})
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "use this metadata reference instead of pinning")
	return cmd
}

func (c *cli) pinMetadata(ctx context.Context, client *rpc.Client, id uint64) (string, error) {
	p, network, err := c.newPinner()
	if err != nil {
		return "", err
	}
	if err := p.TestAuthentication(ctx); err != nil {
		return "", fmt.Errorf("pinata authentication: %w", err)
	}

	o, err := client.GetOrder(ctx, &rpc.OrderRequest{OrderID: id})
	if err != nil {
		return "", err
	}
	md := pinning.NewMetadata(pinning.OrderFacts{
		OrderID:          o.ID,
		Seller:           o.Seller,
		Buyer:            o.Buyer,
		BasePrice:        o.BasePrice,
		SettlementAmount: o.Collateral,
		Disputed:         o.Disputed,
		CreatedAt:        o.CreatedAt,
		SettledAt:        time.Now(),
		Network:          network,
	})

	metadataRef, err := p.PinJSON(ctx, fmt.Sprintf("midna-order-%d", id), md)
	if err != nil {
		return "", err
	}
	c.log.Info().Uint64("order_id", id).Str("ref", metadataRef).Str("gateway", pinning.GatewayURL(metadataRef)).Msg("metadata pinned")
	return metadataRef, nil
}

// -------------------- Helpers --------------------

func (c *cli) orderCmd(use, short string, fn func(context.Context, *rpc.Client, uint64) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <order-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseUint("order id", args[0])
			if err != nil {
				return err
			}
			return c.call(cmd.Context(), func(ctx context.Context, client *rpc.Client) (any, error) {
				return fn(ctx, client, id)
			})
		},
	}
}

func (c *cli) call(parent context.Context, fn func(context.Context, *rpc.Client) (any, error)) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()
	if c.as != "" {
		ctx = rpc.WithParty(ctx, c.as)
	}

	conn, err := c.dial(c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	resp, err := fn(ctx, rpc.NewClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func parseUint(name, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}
