package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rustyeddy/lpkeeper/broker"
	"github.com/rustyeddy/lpkeeper/broker/sim"
	"github.com/rustyeddy/lpkeeper/engine"
	"github.com/rustyeddy/lpkeeper/journal"
	"github.com/rustyeddy/lpkeeper/model"
	"github.com/rustyeddy/lpkeeper/positions"
)

// app is everything a command needs, built from cfg.
type app struct {
	store  journal.Store
	source positions.Source
	engine *engine.Engine
	log    *slog.Logger
}

func newApp() (*app, error) {
	var (
		store journal.Store
		err   error
	)
	switch cfg.Store.Driver {
	case "memory":
		store = journal.NewMemory()
	default:
		if store, err = journal.NewSQLite(cfg.Store.DBPath); err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
	}

	logger := slog.Default()
	source, err := newSource(store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	builder, signer := newBroker()

	window, _ := cfg.Approval.ParseDuration()
	eng := engine.New(store, source, engine.Options{
		Gas:            cfg.Gas,
		Limits:         cfg.Safety.Limits(),
		ApprovalWindow: window,
		Builder:        builder,
		Signer:         signer,
		Trigger:        model.TriggerRule,
		Logger:         logger,
	})
	return &app{store: store, source: source, engine: eng, log: logger}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func newSource(store journal.Store, logger *slog.Logger) (positions.Source, error) {
	if cfg.Protocol.BaseURL == "" {
		return &positions.FileSource{Path: cfg.Protocol.SnapshotFile, Store: store}, nil
	}
	timeout, err := cfg.Protocol.ParseDuration()
	if err != nil {
		return nil, fmt.Errorf("protocol.timeout: %w", err)
	}
	return &positions.HTTPSource{
		Client: &positions.Client{
			BaseURL: cfg.Protocol.BaseURL,
			Token:   cfg.Protocol.APIKey,
			HTTP:    &http.Client{Timeout: timeout},
		},
		Pools:    cfg.Protocol.Pools,
		Registry: cfg.TokenRegistry(),
		Oracle:   positions.StaticOracle{},
		Store:    store,
		Logger:   logger,
	}, nil
}

func newBroker() (broker.TxBuilder, broker.Signer) {
	if cfg.Broker.DryRun {
		return sim.Builder{}, sim.NewSigner(cfg.Broker.SOLPriceUSD)
	}
	hb := broker.HTTPBuilder{
		BaseURL: cfg.Broker.BaseURL,
		Token:   cfg.Broker.APIKey,
		HTTP:    &http.Client{},
	}
	return &hb, &broker.HTTPSigner{HTTPBuilder: hb}
}

// policy finds the policy for --user and --wallet.
func (a *app) policy(ctx context.Context) (*model.Policy, error) {
	if err := requireUser(); err != nil {
		return nil, err
	}
	if wallet == "" {
		return nil, fmt.Errorf("--wallet is required")
	}
	p, err := a.store.GetPolicyByWallet(ctx, userID, wallet)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("no policy for wallet %s: import one with 'lpkeeper policy import'", wallet)
	}
	return p, err
}

// policies returns the policy for --wallet, or every active policy of
// --user when no wallet is given.
func (a *app) policies(ctx context.Context) ([]*model.Policy, error) {
	if wallet != "" {
		p, err := a.policy(ctx)
		if err != nil {
			return nil, err
		}
		return []*model.Policy{p}, nil
	}
	all, err := a.store.ListPolicies(ctx, true)
	if err != nil {
		return nil, err
	}
	var out []*model.Policy
	for i := range all {
		if userID == "" || all[i].UserID == userID {
			out = append(out, &all[i])
		}
	}
	return out, nil
}
