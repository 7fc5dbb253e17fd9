package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger/sqlstore"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciler/internal/validation"
)

type sweeper interface {
	Sweep(ctx context.Context) (reconcile.SweepReport, error)
}

type syncer interface {
	Sync(ctx context.Context) (int, error)
}

// deps are the components the commands operate on. search and db are optional.
type deps struct {
	store   ledger.Store
	catalog catalog.ReadWriter
	engine  sweeper
	search  syncer
	db      *gorm.DB
}

type loader func(ctx context.Context) (*deps, func() error, error)

func newRootCmd(load loader) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reconctl",
		Short:         "Operate the payment reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(sweepCmd(load))
	rootCmd.AddCommand(searchSyncCmd(load))
	rootCmd.AddCommand(orderCmd(load))
	rootCmd.AddCommand(productCmd(load))
	rootCmd.AddCommand(migrateCmd(load))
	return rootCmd
}

// run loads dependencies, applies the timeout flag and calls fn.
func run(cmd *cobra.Command, load loader, fn func(ctx context.Context, d *deps) error) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	d, closeFn, err := load(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, d)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Resolve stale pending orders and orphaned intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, d *deps) error {
				rep, err := d.engine.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			})
		},
	}
}

func searchSyncCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "search-sync",
		Short: "Push the product catalog to the search index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, d *deps) error {
				if d.search == nil {
					return errors.New("search index is not configured (set ALGOLIA_APP_ID and ALGOLIA_API_KEY)")
				}
				n, err := d.search.Sync(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"synced": n})
			})
		},
	}
}

func orderCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect orders",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get [order-id]",
		Short: "Print an order with its items and customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, d *deps) error {
				g, err := d.store.GetOrderGraph(ctx, ledger.AsSystem(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, g)
			})
		},
	})
	return cmd
}

func productCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage catalog products",
	}

	var req validation.ProductRequest
	put := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.New().Struct(req); err != nil {
				return err
			}
			return run(cmd, load, func(ctx context.Context, d *deps) error {
				p := catalog.Product{
					ID:             req.ID,
					Name:           req.Name,
					Description:    req.Description,
					Price:          req.Price,
					ImageURL:       req.ImageURL,
					InventoryCount: req.InventoryCount,
				}
				if err := d.catalog.Put(ctx, p); err != nil {
					return err
				}
				return printJSON(cmd, p)
			})
		},
	}
	put.Flags().StringVar(&req.ID, "id", "", "Product id")
	put.Flags().StringVar(&req.Name, "name", "", "Product name")
	put.Flags().StringVar(&req.Description, "description", "", "Description")
	put.Flags().Int64Var(&req.Price, "price", 0, "Unit price in minor units")
	put.Flags().StringVar(&req.ImageURL, "image-url", "", "Image URL")
	put.Flags().IntVar(&req.InventoryCount, "inventory", 0, "Inventory count")
	cmd.AddCommand(put)
	return cmd
}

func migrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, load, func(ctx context.Context, d *deps) error {
				if d.db == nil {
					return errors.New("migrate needs LEDGER_BACKEND=sql")
				}
				if err := sqlstore.Migrate(d.db.WithContext(ctx)); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return err
			})
		},
	}
}
