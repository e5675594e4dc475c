package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/Layr-Labs/custody-tx-go/pkg/clients/broadcaster"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/custodyClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/clients/ledgerClient"
	"github.com/Layr-Labs/custody-tx-go/pkg/compiler"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence"
	"github.com/Layr-Labs/custody-tx-go/pkg/persistence/memory"
	"github.com/Layr-Labs/custody-tx-go/pkg/retry"
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
)

const (
	DefaultReconcileAttempts = 3
	DefaultReconcileInterval = 2 * time.Second
	DefaultMaxRebuilds       = 1
)

// SignatureStatusReader looks a signature up on the ledger
type SignatureStatusReader interface {
	GetSignatureStatus(ctx context.Context, signature solana.Signature) (*ledgerClient.SignatureStatus, error)
}

// BuildFunc produces a fresh request, e.g. against a new blockhash
type BuildFunc func(ctx context.Context) (*types.SubmissionRequest, error)

// Config configures a Pipeline
type Config struct {
	Custody custodyClient.ICustodyClient
	// Ledger is queried before any resend of a transaction that may already
	// have landed. Without it an ambiguous broadcast failure is never resent
	// or sent over another path; the submission stays BROADCAST_FAILED.
	Ledger       SignatureStatusReader
	Broadcasters []broadcaster.IBroadcaster
	// Store defaults to an in-memory store
	Store  persistence.ISubmissionStore
	Logger *zap.Logger

	// FallbackToDirect sends over the direct path after a relay failure that
	// left the transaction off the ledger
	FallbackToDirect bool

	ReconcileAttempts int
	ReconcileInterval time.Duration
	// MaxRebuilds bounds how often RunWithRebuild rebuilds after a stale
	// blockhash. Zero means DefaultMaxRebuilds; set DisableRebuild to never
	// rebuild.
	MaxRebuilds    int
	DisableRebuild bool

	Now func() time.Time
}

// Pipeline runs submissions through signing and broadcast
type Pipeline struct {
	custody           custodyClient.ICustodyClient
	ledger            SignatureStatusReader
	broadcasters      map[types.BroadcastPath]broadcaster.IBroadcaster
	store             persistence.ISubmissionStore
	logger            *zap.Logger
	fallbackToDirect  bool
	reconcileAttempts int
	reconcileInterval time.Duration
	maxRebuilds       int
	now               func() time.Time
}

// NewPipeline creates a pipeline
func NewPipeline(config *Config) (*Pipeline, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Custody == nil {
		return nil, fmt.Errorf("custody client is required")
	}

	p := &Pipeline{
		custody:           config.Custody,
		ledger:            config.Ledger,
		broadcasters:      make(map[types.BroadcastPath]broadcaster.IBroadcaster, len(config.Broadcasters)),
		store:             config.Store,
		logger:            config.Logger,
		fallbackToDirect:  config.FallbackToDirect,
		reconcileAttempts: config.ReconcileAttempts,
		reconcileInterval: config.ReconcileInterval,
		maxRebuilds:       config.MaxRebuilds,
		now:               config.Now,
	}
	for _, b := range config.Broadcasters {
		if b == nil {
			continue
		}
		if _, dup := p.broadcasters[b.Path()]; dup {
			return nil, fmt.Errorf("more than one broadcaster for path %s", b.Path())
		}
		p.broadcasters[b.Path()] = b
	}
	if p.store == nil {
		p.store = memory.NewMemoryPersistence(config.Logger)
	}
	if p.reconcileAttempts <= 0 {
		p.reconcileAttempts = DefaultReconcileAttempts
	}
	if p.reconcileInterval <= 0 {
		p.reconcileInterval = DefaultReconcileInterval
	}
	switch {
	case config.DisableRebuild:
		p.maxRebuilds = 0
	case p.maxRebuilds <= 0:
		p.maxRebuilds = DefaultMaxRebuilds
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// NewSubmission creates a BUILT submission for req and persists it
func (p *Pipeline) NewSubmission(req *types.SubmissionRequest) (*Submission, error) {
	if req == nil {
		return nil, txErrors.New(txErrors.KindInvalidInput, "submission.New", "request is required")
	}
	s := NewSubmission(req, p.now().UTC())
	p.persist(s)
	p.logger.Sugar().Infow("Submission built",
		"submission_id", s.ID,
		"idempotency_key", s.IdempotencyKey,
		"details_type", req.Details.Type,
		"push_mode", req.Details.PushMode,
	)
	return s, nil
}

// Load returns a stored submission by local id, nil if unknown
func (p *Pipeline) Load(id string) (*Submission, error) {
	record, err := p.store.LoadSubmission(id)
	if err != nil || record == nil {
		return nil, err
	}
	return FromRecord(record), nil
}

// List returns stored submissions, optionally filtered by state
func (p *Pipeline) List(states ...types.SubmissionState) ([]*types.SubmissionRecord, error) {
	return p.store.ListSubmissions(states...)
}

// Run drives req from BUILT to a terminal state over path
func (p *Pipeline) Run(ctx context.Context, req *types.SubmissionRequest, path types.BroadcastPath) (*Submission, error) {
	s, err := p.NewSubmission(req)
	if err != nil {
		return nil, err
	}
	if err := p.Authorize(ctx, s); err != nil {
		return s, err
	}
	return s, p.Broadcast(ctx, s, path)
}

// RunWithRebuild runs a request from build and, when the network rejects it
// for a stale blockhash, builds and signs a new one. Each rebuild is a new
// submission with its own idempotency key.
func (p *Pipeline) RunWithRebuild(ctx context.Context, build BuildFunc, path types.BroadcastPath) (*Submission, error) {
	for attempt := 0; ; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		s, err := p.Run(ctx, req, path)
		if err == nil || attempt >= p.maxRebuilds || retry.Classify(retry.StageBroadcast, err) != retry.DecisionRebuild {
			return s, err
		}
		p.logger.Sugar().Warnw("Transaction references a stale blockhash, rebuilding",
			"submission_id", s.ID,
			"attempt", attempt+1,
			"error", err,
		)
	}
}

// Authorize asks the custodian to sign s: BUILT -> AWAITING_SIGNATURE ->
// SIGNED or SIGN_FAILED
func (p *Pipeline) Authorize(ctx context.Context, s *Submission) error {
	if s.Request == nil {
		return txErrors.New(txErrors.KindInvalidInput, "submission.Authorize", "submission %s has no request", s.ID)
	}
	if err := p.transition(s, types.StateAwaitingSignature, "requesting signature"); err != nil {
		return err
	}

	tx, err := p.custody.CreateTransaction(ctx, s.Request, s.IdempotencyKey)
	if err != nil {
		return p.signFailed(s, err)
	}
	p.applyCustodyView(s, tx)
	p.persist(s)

	if !custodyClient.HasSignedPayload(tx) {
		if tx.State.IsFailed() {
			return p.signFailed(s, txErrors.New(txErrors.KindSignFailed, "submission.Authorize", "custodian reported state %s", tx.State))
		}
		p.logger.Sugar().Infow("Waiting for custodial signature",
			"submission_id", s.ID,
			"custody_tx_id", tx.ID,
			"custody_state", tx.State,
		)
		waited, err := p.custody.WaitForSignature(ctx, tx.ID)
		if waited != nil {
			p.applyCustodyView(s, waited)
		}
		if err != nil {
			return p.signFailed(s, err)
		}
		tx = waited
	}

	if err := p.acceptSignedPayload(s, tx); err != nil {
		return p.signFailed(s, err)
	}
	s.recordError(nil)
	return p.transition(s, types.StateSigned, "custodian signed")
}

// Broadcast sends a SIGNED submission over path: SIGNED -> BROADCASTING ->
// SUBMITTED or BROADCAST_FAILED. When the custodian pushes the transaction
// itself path is ignored.
func (p *Pipeline) Broadcast(ctx context.Context, s *Submission, path types.BroadcastPath) error {
	if s.State != types.StateSigned {
		return txErrors.New(txErrors.KindInvalidTransition, "submission.Broadcast", "submission %s is %s, not %s", s.ID, s.State, types.StateSigned)
	}
	// native transfers come back already pushed and without a payload
	if s.PushMode() == types.PushModeAuto || (s.RawTransaction == "" && s.CustodyState.IsBroadcast()) {
		return p.awaitCustodianPush(ctx, s)
	}

	if _, err := p.broadcasterFor(path); err != nil {
		return err
	}
	if s.RawTransaction == "" {
		return txErrors.New(txErrors.KindInvalidInput, "submission.Broadcast", "submission %s has no signed payload", s.ID)
	}

	s.BroadcastPath = path
	if err := p.transition(s, types.StateBroadcasting, "broadcasting over "+string(path)); err != nil {
		return err
	}
	return p.send(ctx, s, path)
}

// Rebroadcast resends a BROADCAST_FAILED submission after a ledger query
// confirms it has not already landed. When the ledger cannot answer the
// submission stays BROADCAST_FAILED and an ambiguous error is returned.
func (p *Pipeline) Rebroadcast(ctx context.Context, s *Submission, path types.BroadcastPath) error {
	if s.State != types.StateBroadcastFailed {
		return txErrors.New(txErrors.KindInvalidTransition, "submission.Rebroadcast", "submission %s is %s, not %s", s.ID, s.State, types.StateBroadcastFailed)
	}
	if _, err := p.broadcasterFor(path); err != nil {
		return err
	}

	switch p.reconcile(ctx, s) {
	case ledgerLanded:
		s.recordError(nil)
		return p.transition(s, types.StateSubmitted, "found on ledger before rebroadcast")
	case ledgerUnknown:
		err := ambiguous(txErrors.New(txErrors.KindBroadcastFailed, "submission.Rebroadcast",
			"cannot confirm %s is absent from the ledger", s.Signature))
		s.recordError(err)
		p.persist(s)
		return err
	}

	s.BroadcastPath = path
	if err := p.transition(s, types.StateBroadcasting, "rebroadcasting over "+string(path)); err != nil {
		return err
	}
	return p.send(ctx, s, path)
}

// Reset returns a SIGN_FAILED submission to BUILT. The idempotency key is
// kept so the custodian deduplicates a request it may already have accepted.
func (p *Pipeline) Reset(s *Submission) error {
	if s.State != types.StateSignFailed {
		return txErrors.New(txErrors.KindInvalidTransition, "submission.Reset", "submission %s is %s, not %s", s.ID, s.State, types.StateSignFailed)
	}
	s.recordError(nil)
	return p.transition(s, types.StateBuilt, "reset for retry")
}

// Resume reads a transaction the custodian already signed and returns it as
// a SIGNED submission ready for Broadcast
func (p *Pipeline) Resume(ctx context.Context, custodyTxID string) (*Submission, error) {
	if custodyTxID == "" {
		return nil, txErrors.New(txErrors.KindInvalidInput, "submission.Resume", "custody transaction id is required")
	}

	tx, err := p.custody.GetTransaction(ctx, custodyTxID)
	if err != nil {
		return nil, err
	}
	if tx.State.IsFailed() {
		return nil, txErrors.New(txErrors.KindSignFailed, "submission.Resume", "custodian reported state %s for %s", tx.State, custodyTxID)
	}
	if !custodyClient.HasSignedPayload(tx) {
		if tx, err = p.custody.WaitForSignature(ctx, custodyTxID); err != nil {
			return nil, err
		}
	}

	record, err := p.store.LoadByCustodyID(custodyTxID)
	if err != nil {
		p.logger.Sugar().Warnw("Failed to look up local record", "custody_tx_id", custodyTxID, "error", err)
	}

	var s *Submission
	switch {
	case record == nil:
		now := p.now().UTC()
		s = &Submission{SubmissionRecord: types.SubmissionRecord{
			ID:                   custodyTxID,
			IdempotencyKey:       "resumed:" + custodyTxID,
			CustodyTransactionID: custodyTxID,
			State:                types.StateSigned,
			CreatedAt:            now,
			UpdatedAt:            now,
			History:              []types.StateChange{{To: types.StateSigned, At: now, Reason: "resumed from custodian"}},
		}}
	case record.State == types.StateSubmitted || record.State == types.StateSigned || record.State == types.StateBroadcastFailed:
		s = FromRecord(record)
	case record.State == types.StateBroadcasting:
		// the previous process stopped mid-broadcast
		s = FromRecord(record)
		if err := p.transition(s, types.StateBroadcastFailed, "broadcast interrupted"); err != nil {
			return nil, err
		}
	default:
		s = FromRecord(record)
		s.State = types.StateSigned
		s.History = append(s.History, types.StateChange{From: record.State, To: types.StateSigned, At: p.now().UTC(), Reason: "resumed from custodian"})
	}

	p.applyCustodyView(s, tx)
	if err := p.acceptSignedPayload(s, tx); err != nil {
		return nil, err
	}
	p.persist(s)

	p.logger.Sugar().Infow("Resumed custodial transaction",
		"submission_id", s.ID,
		"custody_tx_id", custodyTxID,
		"state", s.State,
		"signature", s.Signature,
	)
	return s, nil
}

func (p *Pipeline) send(ctx context.Context, s *Submission, path types.BroadcastPath) error {
	err := p.sendOnce(ctx, s, path)
	if err == nil {
		return nil
	}

	decision := retry.Classify(retry.StageBroadcast, err)
	view := ledgerAbsent
	if decision == retry.DecisionReconcile {
		view = p.reconcile(ctx, s)
		if view == ledgerLanded {
			s.recordError(nil)
			return p.transition(s, types.StateSubmitted, "reconciled on ledger after "+err.Error())
		}
		if view == ledgerUnknown {
			err = ambiguous(err)
		}
	}

	if view == ledgerAbsent && p.canFallBack(path, decision) {
		p.logger.Sugar().Warnw("Relay broadcast failed, falling back to direct path",
			"submission_id", s.ID,
			"signature", s.Signature,
			"error", err,
		)
		s.BroadcastPath = types.BroadcastPathDirect
		s.History = append(s.History, types.StateChange{
			From: types.StateBroadcasting, To: types.StateBroadcasting, At: p.now().UTC(),
			Reason: "fallback to direct path",
		})
		p.persist(s)

		directErr := p.sendOnce(ctx, s, types.BroadcastPathDirect)
		if directErr == nil {
			return nil
		}
		if retry.Classify(retry.StageBroadcast, directErr) == retry.DecisionReconcile {
			switch p.reconcile(ctx, s) {
			case ledgerLanded:
				s.recordError(nil)
				return p.transition(s, types.StateSubmitted, "reconciled on ledger after "+directErr.Error())
			case ledgerUnknown:
				directErr = ambiguous(directErr)
			}
		}
		err = directErr
	}

	s.recordError(err)
	if terr := p.transition(s, types.StateBroadcastFailed, string(txErrors.KindOf(err))); terr != nil {
		return terr
	}
	return err
}

func (p *Pipeline) canFallBack(path types.BroadcastPath, decision retry.Decision) bool {
	if !p.fallbackToDirect || path != types.BroadcastPathRelay {
		return false
	}
	if _, ok := p.broadcasters[types.BroadcastPathDirect]; !ok {
		return false
	}
	// a stale blockhash is rejected on every path
	return decision != retry.DecisionRebuild
}

func (p *Pipeline) sendOnce(ctx context.Context, s *Submission, path types.BroadcastPath) error {
	b, err := p.broadcasterFor(path)
	if err != nil {
		return err
	}
	s.Broadcaster = b.Name()

	sig, err := b.SendTransaction(ctx, s.RawTransaction)
	if err != nil {
		p.logger.Sugar().Warnw("Broadcast failed",
			"submission_id", s.ID,
			"broadcaster", b.Name(),
			"path", path,
			"error_kind", txErrors.KindOf(err),
			"ambiguous", txErrors.IsAmbiguous(err),
			"error", err,
		)
		return err
	}

	s.Signature = sig.String()
	s.recordError(nil)
	return p.transition(s, types.StateSubmitted, "accepted by "+b.Name())
}

// ledgerView is what a signature status query established
type ledgerView int

const (
	// ledgerUnknown: no reader, no signature or every lookup failed
	ledgerUnknown ledgerView = iota
	ledgerAbsent
	ledgerLanded
)

// reconcile looks s's signature up on the ledger. It returns ledgerAbsent
// only when at least one lookup succeeded and none found the signature.
func (p *Pipeline) reconcile(ctx context.Context, s *Submission) ledgerView {
	if p.ledger == nil || s.Signature == "" {
		return ledgerUnknown
	}
	sig, err := solana.SignatureFromBase58(s.Signature)
	if err != nil {
		return ledgerUnknown
	}

	view := ledgerUnknown
	for attempt := 1; attempt <= p.reconcileAttempts; attempt++ {
		status, err := p.ledger.GetSignatureStatus(ctx, sig)
		switch {
		case err != nil:
			p.logger.Sugar().Warnw("Signature status lookup failed", "submission_id", s.ID, "attempt", attempt, "error", err)
		case status != nil && status.Found:
			p.logger.Sugar().Infow("Transaction found on ledger",
				"submission_id", s.ID,
				"signature", s.Signature,
				"slot", status.Slot,
				"confirmation_status", status.ConfirmationStatus,
			)
			if status.Err != nil {
				p.logger.Sugar().Warnw("Transaction landed with an error", "submission_id", s.ID, "error", status.Err)
			}
			return ledgerLanded
		default:
			view = ledgerAbsent
		}

		if attempt == p.reconcileAttempts {
			break
		}
		timer := time.NewTimer(p.reconcileInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return view
		case <-timer.C:
		}
	}
	if view == ledgerUnknown {
		p.logger.Sugar().Warnw("Ledger status unknown, not resending", "submission_id", s.ID, "signature", s.Signature)
	}
	return view
}

// ambiguous marks err as an outcome that may have reached the ledger
func ambiguous(err error) error {
	if txErrors.IsAmbiguous(err) {
		return err
	}
	kind := txErrors.KindOf(err)
	if kind == txErrors.KindUnknown {
		kind = txErrors.KindBroadcastFailed
	}
	return &txErrors.Error{Kind: kind, Op: "submission.Broadcast", Detail: "ledger status unknown", Ambiguous: true, Err: err}
}

func (p *Pipeline) awaitCustodianPush(ctx context.Context, s *Submission) error {
	s.BroadcastPath = types.BroadcastPathCustodian
	s.Broadcaster = "custodian"
	if err := p.transition(s, types.StateBroadcasting, "custodian pushes"); err != nil {
		return err
	}

	if !s.CustodyState.IsBroadcast() {
		tx, err := p.custody.Wait(ctx, s.CustodyTransactionID, func(tx *types.CustodyTransaction) bool {
			return tx.State.IsBroadcast()
		})
		if tx != nil {
			p.applyCustodyView(s, tx)
		}
		if err != nil {
			err = txErrors.Wrap(txErrors.KindBroadcastFailed, "submission.Broadcast", err)
			s.recordError(err)
			if terr := p.transition(s, types.StateBroadcastFailed, "custodian push failed"); terr != nil {
				return terr
			}
			return err
		}
	}
	s.recordError(nil)
	return p.transition(s, types.StateSubmitted, "custodian reported "+string(s.CustodyState))
}

func (p *Pipeline) broadcasterFor(path types.BroadcastPath) (broadcaster.IBroadcaster, error) {
	switch path {
	case types.BroadcastPathDirect, types.BroadcastPathRelay:
	default:
		return nil, txErrors.New(txErrors.KindInvalidInput, "submission.Broadcast", "unsupported broadcast path %q", path)
	}
	b, ok := p.broadcasters[path]
	if !ok {
		return nil, txErrors.New(txErrors.KindInvalidInput, "submission.Broadcast", "no broadcaster configured for path %s", path)
	}
	return b, nil
}

func (p *Pipeline) applyCustodyView(s *Submission, tx *types.CustodyTransaction) {
	if tx.ID != "" {
		s.CustodyTransactionID = tx.ID
	}
	s.CustodyState = tx.State
	if tx.RawTransaction != "" {
		s.RawTransaction = tx.RawTransaction
	}
	if s.Signature == "" && tx.Hash != "" {
		s.Signature = tx.Hash
	}
}

// acceptSignedPayload decodes the custodian's raw transaction and records
// its signature
func (p *Pipeline) acceptSignedPayload(s *Submission, tx *types.CustodyTransaction) error {
	if tx.RawTransaction == "" {
		if tx.State.IsBroadcast() {
			return nil
		}
		return txErrors.New(txErrors.KindSignFailed, "submission.Authorize", "custodian reported %s without a signed payload", tx.State)
	}

	signed, err := compiler.DecodeSignedTransactionBase64(tx.RawTransaction)
	if err != nil {
		return txErrors.Wrap(txErrors.KindSignFailed, "submission.Authorize", fmt.Errorf("custodian returned an undecodable transaction: %w", err))
	}
	s.RawTransaction = tx.RawTransaction
	s.Signature = signed.ID().String()

	if s.Request != nil && s.Request.Details.Type == types.DetailsTypeSerializedMessage {
		if data, err := compiler.Serialize(signed.Message); err == nil && data != s.Request.Details.Data {
			p.logger.Sugar().Warnw("Signed message differs from the submitted message",
				"submission_id", s.ID,
				"custody_tx_id", s.CustodyTransactionID,
			)
		}
	}
	return nil
}

func (p *Pipeline) signFailed(s *Submission, cause error) error {
	s.recordError(cause)
	reason := string(txErrors.KindOf(cause))
	if txErrors.IsAmbiguous(cause) {
		reason += " (ambiguous, safe to reset and retry)"
	}
	if err := p.transition(s, types.StateSignFailed, reason); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Pipeline) transition(s *Submission, to types.SubmissionState, reason string) error {
	from := s.State
	if err := s.moveTo(to, reason, p.now().UTC()); err != nil {
		return err
	}
	p.persist(s)

	fields := []interface{}{
		"submission_id", s.ID,
		"from", from,
		"to", to,
		"reason", reason,
	}
	if s.CustodyTransactionID != "" {
		fields = append(fields, "custody_tx_id", s.CustodyTransactionID)
	}
	if s.Signature != "" {
		fields = append(fields, "signature", s.Signature)
	}
	if s.BroadcastPath != "" {
		fields = append(fields, "path", s.BroadcastPath)
	}
	if to == types.StateSignFailed || to == types.StateBroadcastFailed {
		p.logger.Sugar().Errorw("Submission state changed", append(fields, "error", s.LastError)...)
	} else {
		p.logger.Sugar().Infow("Submission state changed", fields...)
	}
	return nil
}

// persist writes the record; the custodian holds the canonical copy so a
// store failure is logged, not returned
func (p *Pipeline) persist(s *Submission) {
	if err := p.store.SaveSubmission(&s.SubmissionRecord); err != nil {
		p.logger.Sugar().Warnw("Failed to persist submission record", "submission_id", s.ID, "error", err)
	}
}
