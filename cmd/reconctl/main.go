package main

import (
	"context"
	"fmt"
	"os"

	"github.com/imrishuroy/go-payment-reconciler/internal/app"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/logging"
)

var Version = "dev"

func main() {
	rootCmd := newRootCmd(loadApp)
	rootCmd.Version = Version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadApp(ctx context.Context) (*deps, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Environment, "reconctl")
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	d := &deps{
		store:   a.Store,
		catalog: a.Catalog,
		engine:  a.Engine,
		db:      a.DB,
	}
	if a.Search != nil {
		d.search = a.Search
	}
	return d, a.Close, nil
}
