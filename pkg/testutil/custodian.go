package testutil

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/compiler"
	"github.com/Layr-Labs/custody-tx-go/pkg/requestSigner"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/gagliardetto/solana-go"
)

// DefaultMaxClockSkew is how far x-timestamp may be from the fake's clock
const DefaultMaxClockSkew = 30 * time.Second

const (
	custodianCreatePath        = "/api/v1/transactions"
	custodianCreateAndWaitPath = "/api/v1/transactions/create-and-wait"
	custodianTransactionPrefix = "/api/v1/transactions/"
)

// RecordedRequest is one request seen by FakeCustodian
type RecordedRequest struct {
	Method         string
	Path           string
	Body           string
	IdempotencyKey string
	Timestamp      string
	Signature      string
	SignatureValid bool
}

type fakeTransaction struct {
	tx           types.CustodyTransaction
	raw          string
	settled      types.CustodyState
	pendingPolls int
	omitRaw      bool
}

// FakeCustodian is an httptest server that behaves like the custodial
// signing API. It verifies every request signature against PublicKey and
// signs serialized messages with a deterministic fake signature.
type FakeCustodian struct {
	Server      *httptest.Server
	AccessToken string
	PublicKey   crypto.PublicKey

	mu             sync.Mutex
	requests       []RecordedRequest
	createFailures []int
	getFailures    []int
	transactions   map[string]*fakeTransaction
	byIdempotency  map[string]string
	nextID         int

	// PendingPolls makes new transactions report waiting_for_approval for
	// this many status reads before becoming signed
	PendingPolls int
	// FailState, when set, is reported for every new transaction
	FailState types.CustodyState
	// OmitRawOnCreate leaves raw_transaction out of the create response
	OmitRawOnCreate bool
	// MaxClockSkew rejects requests whose timestamp is further than this
	// from Now with 401. Zero disables the check.
	MaxClockSkew time.Duration
	Now          func() time.Time
}

// NewFakeCustodian starts a fake custodian that accepts accessToken and
// signatures made by the private half of pub
func NewFakeCustodian(t testing.TB, accessToken string, pub crypto.PublicKey) *FakeCustodian {
	f := &FakeCustodian{
		AccessToken:   accessToken,
		PublicKey:     pub,
		transactions:  make(map[string]*fakeTransaction),
		byIdempotency: make(map[string]string),
		MaxClockSkew:  DefaultMaxClockSkew,
		Now:           time.Now,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL of the server
func (f *FakeCustodian) URL() string {
	return f.Server.URL
}

// FailNextCreates makes the next create calls answer with the given statuses
func (f *FakeCustodian) FailNextCreates(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFailures = append(f.createFailures, statuses...)
}

// FailNextGets makes the next status reads answer with the given statuses
func (f *FakeCustodian) FailNextGets(statuses ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFailures = append(f.getFailures, statuses...)
}

// Requests returns a copy of every request seen so far
func (f *FakeCustodian) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// CreateCount returns how many distinct transactions were created
func (f *FakeCustodian) CreateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transactions)
}

// SetState overrides the state of an existing transaction
func (f *FakeCustodian) SetState(id string, state types.CustodyState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.transactions[id]; ok {
		ft.tx.State = state
		ft.pendingPolls = 0
	}
}

func (f *FakeCustodian) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	rec := RecordedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           string(body),
		IdempotencyKey: r.Header.Get("x-idempotence-id"),
		Timestamp:      r.Header.Get("x-timestamp"),
		Signature:      r.Header.Get("x-signature"),
	}
	if ts, err := strconv.ParseInt(rec.Timestamp, 10, 64); err == nil {
		payload := requestSigner.SigningPayload{Path: r.URL.Path, TimestampMillis: ts, Body: string(body)}
		rec.SignatureValid = requestSigner.Verify(payload, rec.Signature, f.PublicKey) == nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, rec)

	if r.Header.Get("Authorization") != "Bearer "+f.AccessToken {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	if !rec.SignatureValid {
		writeError(w, http.StatusUnauthorized, "invalid request signature")
		return
	}
	if f.MaxClockSkew > 0 && f.Now != nil {
		ts, _ := strconv.ParseInt(rec.Timestamp, 10, 64)
		skew := f.Now().Sub(time.UnixMilli(ts))
		if skew > f.MaxClockSkew || skew < -f.MaxClockSkew {
			writeError(w, http.StatusUnauthorized, "request timestamp expired")
			return
		}
	}

	switch {
	case r.Method == http.MethodPost && (r.URL.Path == custodianCreatePath || r.URL.Path == custodianCreateAndWaitPath):
		f.create(w, body, rec.IdempotencyKey)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, custodianTransactionPrefix):
		f.get(w, strings.TrimPrefix(r.URL.Path, custodianTransactionPrefix))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (f *FakeCustodian) create(w http.ResponseWriter, body []byte, idempotencyKey string) {
	if len(f.createFailures) > 0 {
		status := f.createFailures[0]
		f.createFailures = f.createFailures[1:]
		writeError(w, status, fmt.Sprintf("injected failure %d", status))
		return
	}

	if id, ok := f.byIdempotency[idempotencyKey]; ok && idempotencyKey != "" {
		writeJSON(w, http.StatusCreated, f.view(f.transactions[id], false))
		return
	}

	var req types.SubmissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	f.nextID++
	id := fmt.Sprintf("tx-%04d", f.nextID)
	ft := &fakeTransaction{
		tx:           types.CustodyTransaction{ID: id},
		pendingPolls: f.PendingPolls,
		omitRaw:      f.OmitRawOnCreate,
	}

	switch req.Details.Type {
	case types.DetailsTypeSerializedMessage:
		raw, hash, err := fakeSign(req.Details.Data)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ft.raw = raw
		ft.tx.Hash = hash
	case types.DetailsTypeTransfer:
		sum := sha256.Sum256(body)
		var sig solana.Signature
		copy(sig[:32], sum[:])
		copy(sig[32:], sum[:])
		ft.tx.Hash = sig.String()
	default:
		writeError(w, http.StatusBadRequest, "unsupported details type")
		return
	}

	ft.settled = f.settledState(req)
	ft.tx.State = ft.settled
	if ft.pendingPolls > 0 {
		ft.tx.State = types.CustodyStateWaitingForApproval
	}
	if f.FailState != "" {
		ft.tx.State = f.FailState
		ft.pendingPolls = 0
	}

	f.transactions[id] = ft
	if idempotencyKey != "" {
		f.byIdempotency[idempotencyKey] = id
	}

	writeJSON(w, http.StatusCreated, f.view(ft, true))
}

func (f *FakeCustodian) get(w http.ResponseWriter, id string) {
	if len(f.getFailures) > 0 {
		status := f.getFailures[0]
		f.getFailures = f.getFailures[1:]
		writeError(w, status, fmt.Sprintf("injected failure %d", status))
		return
	}

	ft, ok := f.transactions[id]
	if !ok {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if ft.pendingPolls > 0 {
		ft.pendingPolls--
		if ft.pendingPolls == 0 {
			ft.tx.State = ft.settled
		}
	}
	writeJSON(w, http.StatusOK, f.view(ft, false))
}

func (f *FakeCustodian) settledState(req types.SubmissionRequest) types.CustodyState {
	if req.Details.PushMode == types.PushModeAuto || req.Details.Type == types.DetailsTypeTransfer {
		return types.CustodyStatePushed
	}
	return types.CustodyStateSigned
}

func (f *FakeCustodian) view(ft *fakeTransaction, onCreate bool) types.CustodyTransaction {
	out := ft.tx
	if out.State.IsSigned() && !(onCreate && ft.omitRaw) {
		out.RawTransaction = ft.raw
	}
	if onCreate && ft.omitRaw && out.State.IsSigned() {
		out.State = types.CustodyStateApproved
	}
	return out
}

// fakeSign attaches a deterministic signature for every required signer
func fakeSign(data string) (raw string, hash string, err error) {
	msg, err := compiler.Deserialize(data)
	if err != nil {
		return "", "", err
	}
	msgBytes, err := msg.MarshalBinary()
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(msgBytes)

	tx := &compiler.SignedTransaction{Message: msg}
	for i := 0; i < int(msg.Header.NumRequiredSignatures); i++ {
		var sig solana.Signature
		copy(sig[:32], sum[:])
		copy(sig[32:], sum[:])
		sig[63] = byte(i)
		tx.Signatures = append(tx.Signatures, sig)
	}
	wire, err := tx.MarshalBinary()
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(wire), tx.ID().String(), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"title": http.StatusText(status), "detail": detail})
}
