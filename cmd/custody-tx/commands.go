package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Layr-Labs/custody-tx-go/pkg/adapters"
	"github.com/Layr-Labs/custody-tx-go/pkg/assembler"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/jupiterClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/rebalance"
	"github.com/Layr-Labs/custody-tx-go/pkg/submission"
	"github.com/Layr-Labs/custody-tx-go/pkg/txBuilder"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

// sourcesFunc returns the instruction sources of one build. It is called
// again for every rebuild.
type sourcesFunc func(ctx context.Context, payer solana.PublicKey) ([]adapters.ISource, []assembler.Option, error)

func transferCommand(c *cli.Context) error {
	to, err := solana.PublicKeyFromBase58(c.String("to"))
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	lamports := c.Uint64("lamports")

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.Bool("native") {
		builder, err := rt.newBuilder()
		if err != nil {
			return err
		}
		req, err := builder.BuildTransfer(c.String("note"), to, lamports)
		if err != nil {
			return err
		}
		if out := c.String("out"); out != "" {
			return saveRequest(out, req)
		}
		s, err := rt.pipeline.Run(c.Context, req, rt.cfg.BroadcastPath)
		printSubmission(s)
		return err
	}

	return submitBuilt(c, rt, func(ctx context.Context, payer solana.PublicKey) ([]adapters.ISource, []assembler.Option, error) {
		sources := []adapters.ISource{
			&adapters.TransferSource{From: payer, To: to, Lamports: lamports},
			rt.computeBudgetSource(payer),
		}
		return withTip(rt, payer, sources)
	})
}

func swapCommand(c *cli.Context) error {
	quote, err := quoteRequestFromFlags(c)
	if err != nil {
		return err
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	return submitBuilt(c, rt, func(ctx context.Context, payer solana.PublicKey) ([]adapters.ISource, []assembler.Option, error) {
		sources := []adapters.ISource{
			&adapters.JupiterSwapSource{Client: rt.jupiter, Logger: rt.logger, Quote: quote, User: payer},
		}
		return withTip(rt, payer, sources)
	})
}

func quoteRequestFromFlags(c *cli.Context) (*jupiterClient.QuoteRequest, error) {
	input, err := solana.PublicKeyFromBase58(c.String("input-mint"))
	if err != nil {
		return nil, fmt.Errorf("invalid input mint: %w", err)
	}
	output, err := solana.PublicKeyFromBase58(c.String("output-mint"))
	if err != nil {
		return nil, fmt.Errorf("invalid output mint: %w", err)
	}
	if c.Uint64("amount") == 0 {
		return nil, fmt.Errorf("--amount must be positive")
	}
	if c.Uint("slippage-bps") > 10_000 {
		return nil, fmt.Errorf("--slippage-bps must be at most 10000")
	}
	return &jupiterClient.QuoteRequest{
		InputMint:        input,
		OutputMint:       output,
		Amount:           c.Uint64("amount"),
		SlippageBps:      uint16(c.Uint("slippage-bps")),
		MaxAccounts:      c.Int("max-accounts"),
		OnlyDirectRoutes: c.Bool("direct-routes"),
	}, nil
}

func liquidityCommand(c *cli.Context) error {
	files := c.StringSlice("instructions")
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("instruction file: %w", err)
		}
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	keepVenueBudget := c.Bool("venue-compute-budget")
	return submitBuilt(c, rt, func(ctx context.Context, payer solana.PublicKey) ([]adapters.ISource, []assembler.Option, error) {
		sources := make([]adapters.ISource, 0, len(files)+2)
		for _, f := range files {
			sources = append(sources, &adapters.StagedVenueSource{Path: f, SplitComputeBudget: true})
		}
		if !keepVenueBudget {
			sources = append(sources, rt.computeBudgetSource(payer))
		}
		sources, opts, err := withTip(rt, payer, sources)
		opts = append(opts, assembler.WithMergePolicy(types.RoleComputeBudget, assembler.MergeConcatenate))
		return sources, opts, err
	})
}

func rebalanceCommand(c *cli.Context) error {
	base, err := solana.PublicKeyFromBase58(c.String("base-mint"))
	if err != nil {
		return fmt.Errorf("invalid base mint: %w", err)
	}
	quote, err := solana.PublicKeyFromBase58(c.String("quote-mint"))
	if err != nil {
		return fmt.Errorf("invalid quote mint: %w", err)
	}
	policy := &rebalance.Policy{
		BaseMint:       base,
		QuoteMint:      quote,
		TargetFraction: c.Float64("target"),
		Tolerance:      c.Float64("tolerance"),
		BaseDecimals:   uint8(c.Uint("base-decimals")),
		QuoteDecimals:  uint8(c.Uint("quote-decimals")),
		MinBaseDelta:   c.Float64("min-delta"),
		SlippageBps:    uint16(c.Uint("slippage-bps")),
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	builder, err := rt.newBuilder()
	if err != nil {
		return err
	}
	owner := builder.FeePayer()

	holdings, err := rebalance.FetchHoldings(c.Context, rt.ledger, rt.jupiter, owner, policy)
	if err != nil {
		return err
	}
	trade, err := policy.Evaluate(*holdings)
	if errors.Is(err, rebalance.ErrEmptyPortfolio) {
		fmt.Println("Nothing to rebalance: the vault holds neither token")
		return nil
	}
	if err != nil {
		return err
	}

	rt.logger.Sugar().Infow("Evaluated portfolio",
		"base_balance", holdings.BaseBalance,
		"quote_balance", holdings.QuoteBalance,
		"base_price", holdings.BasePrice,
		"target", policy.TargetFraction,
	)
	if trade == nil {
		fmt.Println("Portfolio is within the target range; no trade needed")
		return nil
	}
	fmt.Printf("Rebalance trade: %s\n", trade)
	if c.Bool("dry-run") {
		return nil
	}

	return submitBuilt(c, rt, func(ctx context.Context, payer solana.PublicKey) ([]adapters.ISource, []assembler.Option, error) {
		sources := []adapters.ISource{
			&adapters.JupiterSwapSource{Client: rt.jupiter, Logger: rt.logger, Quote: trade.QuoteRequest(), User: payer},
		}
		return withTip(rt, payer, sources)
	})
}

func signCommand(c *cli.Context) error {
	req, err := txBuilder.LoadRequest(c.String("request"))
	if err != nil {
		return err
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.pipeline.NewSubmission(req)
	if err != nil {
		return err
	}
	authErr := rt.pipeline.Authorize(c.Context, s)
	if err := writeJSON(c.String("out"), s.Record()); err != nil {
		return err
	}
	if authErr != nil {
		printSubmission(s)
		return authErr
	}
	fmt.Printf("Signed submission written to %s\n", c.String("out"))

	if c.Bool("broadcast") {
		err = rt.pipeline.Broadcast(c.Context, s, rt.cfg.BroadcastPath)
	}
	printSubmission(s)
	return err
}

func pushCommand(c *cli.Context) error {
	txID, submissionID := c.String("tx-id"), c.String("submission-id")
	if (txID == "") == (submissionID == "") {
		return fmt.Errorf("exactly one of --tx-id and --submission-id is required")
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	var s *submission.Submission
	if txID != "" {
		s, err = rt.pipeline.Resume(c.Context, txID)
	} else {
		s, err = rt.pipeline.Load(submissionID)
		if err == nil && s == nil {
			err = fmt.Errorf("submission %s not found in the %s store", submissionID, rt.cfg.Persistence.Type)
		}
	}
	if err != nil {
		return err
	}

	path := rt.cfg.BroadcastPath
	switch s.State {
	case types.StateSigned:
		err = rt.pipeline.Broadcast(c.Context, s, path)
	case types.StateBroadcastFailed:
		err = rt.pipeline.Rebroadcast(c.Context, s, path)
	case types.StateSubmitted:
		fmt.Println("Transaction was already submitted")
	default:
		err = fmt.Errorf("submission %s is %s and cannot be pushed", s.ID, s.State)
	}
	printSubmission(s)
	return err
}

func statusCommand(c *cli.Context) error {
	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	txID := c.String("tx-id")
	if txID == "" {
		var states []types.SubmissionState
		for _, st := range c.StringSlice("state") {
			states = append(states, types.SubmissionState(st))
		}
		records, err := rt.pipeline.List(states...)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s  %-18s  %-8s  %s  %s\n", r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), r.State, r.BroadcastPath, r.CustodyTransactionID, r.Signature)
		}
		fmt.Printf("%d submission(s)\n", len(records))
		return nil
	}

	tx, err := rt.custody.GetTransaction(c.Context, txID)
	if err != nil {
		return err
	}
	fmt.Printf("Custodial transaction: %s\n", tx.ID)
	fmt.Printf("  State:     %s\n", tx.State)
	if tx.Hash == "" {
		return nil
	}
	fmt.Printf("  Signature: %s\n", tx.Hash)

	sig, err := solana.SignatureFromBase58(tx.Hash)
	if err != nil {
		return fmt.Errorf("custodian returned an invalid signature: %w", err)
	}
	status, err := rt.ledger.GetSignatureStatus(c.Context, sig)
	if err != nil {
		return err
	}
	switch {
	case !status.Found:
		fmt.Println("  Ledger:    not found")
	case status.Landed():
		fmt.Printf("  Ledger:    %s at slot %d\n", status.ConfirmationStatus, status.Slot)
	default:
		fmt.Printf("  Ledger:    failed at slot %d: %v\n", status.Slot, status.Err)
	}
	return nil
}

type batchResult struct {
	file       string
	submission *submission.Submission
	err        error
}

func batchCommand(c *cli.Context) error {
	files := c.StringSlice("request")
	requests := make([]*types.SubmissionRequest, len(files))
	for i, f := range files {
		req, err := txBuilder.LoadRequest(f)
		if err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
		requests[i] = req
	}

	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	concurrency := c.Int("concurrency")
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		mu      sync.Mutex
		results = make([]batchResult, len(files))
		g       errgroup.Group
	)
	g.SetLimit(concurrency)
	for i := range requests {
		g.Go(func() error {
			s, err := rt.pipeline.Run(c.Context, requests[i], rt.cfg.BroadcastPath)
			mu.Lock()
			results[i] = batchResult{file: files[i], submission: s, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			fmt.Printf("FAILED     %s: %v\n", r.file, r.err)
			continue
		}
		fmt.Printf("SUBMITTED  %s: %s\n", r.file, r.submission.Signature)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(results))
	}
	return nil
}

// submitBuilt builds a transaction from sources and either saves the request
// (--out) or runs it through the pipeline, rebuilding on a stale blockhash
func submitBuilt(c *cli.Context, rt *runtime, sources sourcesFunc) error {
	builder, err := rt.newBuilder()
	if err != nil {
		return err
	}
	note := c.String("note")

	build := func(ctx context.Context) (*types.SubmissionRequest, error) {
		srcs, opts, err := sources(ctx, builder.FeePayer())
		if err != nil {
			return nil, err
		}
		built, err := builder.Build(ctx, note, srcs, opts...)
		if err != nil {
			return nil, err
		}
		return built.Request, nil
	}

	if out := c.String("out"); out != "" {
		req, err := build(c.Context)
		if err != nil {
			return err
		}
		return saveRequest(out, req)
	}

	s, err := rt.pipeline.RunWithRebuild(c.Context, build, rt.cfg.BroadcastPath)
	printSubmission(s)
	return err
}

func withTip(rt *runtime, payer solana.PublicKey, sources []adapters.ISource) ([]adapters.ISource, []assembler.Option, error) {
	tip, err := rt.tipSource(payer)
	if err != nil {
		return nil, nil, err
	}
	if tip != nil {
		sources = append(sources, tip)
	}
	return sources, nil, nil
}

func saveRequest(path string, req *types.SubmissionRequest) error {
	if err := txBuilder.SaveRequest(path, req); err != nil {
		return err
	}
	fmt.Printf("✅ Request written to %s\n", path)
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func printSubmission(s *submission.Submission) {
	if s == nil {
		return
	}
	fmt.Printf("Submission %s\n", s.ID)
	fmt.Printf("  State:          %s\n", s.State)
	if s.CustodyTransactionID != "" {
		fmt.Printf("  Custodial tx:   %s (%s)\n", s.CustodyTransactionID, s.CustodyState)
	}
	if s.Signature != "" {
		fmt.Printf("  Signature:      %s\n", s.Signature)
	}
	if s.BroadcastPath != "" {
		fmt.Printf("  Broadcast path: %s\n", s.BroadcastPath)
	}
	if s.LastError != "" {
		fmt.Printf("  Last error:     %s (%s)\n", s.LastError, s.LastErrorKind)
	}
}
