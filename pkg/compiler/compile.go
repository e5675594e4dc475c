// Package compiler turns assembled instructions into a Solana transaction
// message and encodes it in the wire format the custodian signs.
//
// Accounts are ordered fee payer first, then writable signers, readonly
// signers, writable non-signers and readonly non-signers, each class in order
// of first appearance. When lookup tables are supplied the message is v0 and
// every non-signer account that is not an invoked program and is present in a
// table is loaded by index instead of listed statically.
package compiler

import (
	"github.com/Layr-Labs/custody-tx-go/pkg/txErrors"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/gagliardetto/solana-go"
)

const op = "compiler.Compile"

type compileOptions struct {
	version Version
}

type CompileOption func(*compileOptions)

// WithVersion forces the message version. Forcing legacy while supplying
// lookup tables is an error.
func WithVersion(v Version) CompileOption {
	return func(o *compileOptions) {
		o.version = v
	}
}

type keyMeta struct {
	signer   bool
	writable bool
	invoked  bool
}

type compiledKeys struct {
	payer solana.PublicKey
	order []solana.PublicKey
	meta  map[solana.PublicKey]*keyMeta
}

func newCompiledKeys(payer solana.PublicKey, ixs []types.Instruction) *compiledKeys {
	ck := &compiledKeys{payer: payer, meta: make(map[solana.PublicKey]*keyMeta)}

	p := ck.getOrInsert(payer)
	p.signer = true
	p.writable = true

	for _, ix := range ixs {
		ck.getOrInsert(ix.ProgramID).invoked = true
		for _, a := range ix.Accounts {
			m := ck.getOrInsert(a.PublicKey)
			m.signer = m.signer || a.IsSigner
			m.writable = m.writable || a.IsWritable
		}
	}
	return ck
}

func (ck *compiledKeys) getOrInsert(k solana.PublicKey) *keyMeta {
	if m, ok := ck.meta[k]; ok {
		return m
	}
	m := &keyMeta{}
	ck.meta[k] = m
	ck.order = append(ck.order, k)
	return m
}

// drain removes every key accepted by filter that the table holds and returns
// the table indexes and keys in first-appearance order
func (ck *compiledKeys) drain(table types.AddressLookupTable, filter func(*keyMeta) bool) ([]uint8, []solana.PublicKey) {
	positions := make(map[solana.PublicKey]uint8, len(table.Addresses))
	for i, addr := range table.Addresses {
		if i >= MaxAccounts {
			break
		}
		if _, ok := positions[addr]; !ok {
			positions[addr] = uint8(i)
		}
	}

	indexes := make([]uint8, 0)
	var keys []solana.PublicKey
	kept := ck.order[:0:0]
	for _, k := range ck.order {
		m := ck.meta[k]
		if k != ck.payer && filter(m) {
			if pos, ok := positions[k]; ok {
				indexes = append(indexes, pos)
				keys = append(keys, k)
				delete(ck.meta, k)
				continue
			}
		}
		kept = append(kept, k)
	}
	ck.order = kept
	return indexes, keys
}

func loadableWritable(m *keyMeta) bool { return !m.signer && !m.invoked && m.writable }
func loadableReadonly(m *keyMeta) bool { return !m.signer && !m.invoked && !m.writable }

// Compile builds a message paying from feePayer. recentBlockhash must be
// fetched by the caller immediately before compiling.
func Compile(
	feePayer solana.PublicKey,
	assembled *types.AssembledInstructions,
	recentBlockhash solana.Hash,
	lookupTables []types.AddressLookupTable,
	opts ...CompileOption,
) (*Message, error) {
	o := &compileOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if feePayer.IsZero() {
		return nil, txErrors.New(txErrors.KindInvalidInput, op, "fee payer is required")
	}
	if assembled == nil || len(assembled.Entries) == 0 {
		return nil, txErrors.New(txErrors.KindInvalidInput, op, "no instructions to compile")
	}
	if recentBlockhash.IsZero() {
		return nil, txErrors.New(txErrors.KindInvalidInput, op, "recent blockhash is required")
	}

	supplied := make(map[solana.PublicKey]struct{}, len(lookupTables))
	for _, t := range lookupTables {
		if len(t.Addresses) == 0 {
			return nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "lookup table %s has no resolved addresses", t.Key)
		}
		supplied[t.Key] = struct{}{}
	}
	for _, declared := range assembled.LookupTableAddresses {
		if _, ok := supplied[declared]; !ok {
			return nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "lookup table %s was referenced but not resolved", declared)
		}
	}

	version := VersionLegacy
	if len(lookupTables) > 0 {
		version = Version0
	}
	switch o.version {
	case "":
	case VersionLegacy:
		if len(lookupTables) > 0 {
			return nil, txErrors.New(txErrors.KindInvalidInput, op, "legacy messages cannot use lookup tables")
		}
		version = VersionLegacy
	case Version0:
		version = Version0
	default:
		return nil, txErrors.New(txErrors.KindInvalidInput, op, "unsupported message version %q", o.version)
	}

	ixs := assembled.Instructions()
	ck := newCompiledKeys(feePayer, ixs)

	var (
		lookups        []AddressTableLookup
		loadedWritable []solana.PublicKey
		loadedReadonly []solana.PublicKey
	)
	if version == Version0 {
		for _, table := range lookupTables {
			wIdx, wKeys := ck.drain(table, loadableWritable)
			rIdx, rKeys := ck.drain(table, loadableReadonly)
			if len(wIdx) == 0 && len(rIdx) == 0 {
				continue
			}
			lookups = append(lookups, AddressTableLookup{
				AccountKey:      table.Key,
				WritableIndexes: wIdx,
				ReadonlyIndexes: rIdx,
			})
			loadedWritable = append(loadedWritable, wKeys...)
			loadedReadonly = append(loadedReadonly, rKeys...)
		}
	}

	var writableSigners, readonlySigners, writableNonSigners, readonlyNonSigners []solana.PublicKey
	for _, k := range ck.order {
		m := ck.meta[k]
		switch {
		case m.signer && m.writable:
			writableSigners = append(writableSigners, k)
		case m.signer:
			readonlySigners = append(readonlySigners, k)
		case m.writable:
			writableNonSigners = append(writableNonSigners, k)
		default:
			readonlyNonSigners = append(readonlyNonSigners, k)
		}
	}

	staticKeys := make([]solana.PublicKey, 0, len(ck.order))
	staticKeys = append(staticKeys, writableSigners...)
	staticKeys = append(staticKeys, readonlySigners...)
	staticKeys = append(staticKeys, writableNonSigners...)
	staticKeys = append(staticKeys, readonlyNonSigners...)

	total := len(staticKeys) + len(loadedWritable) + len(loadedReadonly)
	if total > MaxAccounts {
		return nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "transaction addresses %d accounts, maximum is %d", total, MaxAccounts)
	}

	index := make(map[solana.PublicKey]uint8, total)
	next := 0
	for _, group := range [][]solana.PublicKey{staticKeys, loadedWritable, loadedReadonly} {
		for _, k := range group {
			index[k] = uint8(next)
			next++
		}
	}

	compiled := make([]CompiledInstruction, 0, len(ixs))
	for i, ix := range ixs {
		programIdx, ok := index[ix.ProgramID]
		if !ok {
			return nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "instruction %d program %s not addressable", i, ix.ProgramID)
		}
		accountIdx := make([]uint8, 0, len(ix.Accounts))
		for _, a := range ix.Accounts {
			idx, ok := index[a.PublicKey]
			if !ok {
				return nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "instruction %d account %s not addressable", i, a.PublicKey)
			}
			accountIdx = append(accountIdx, idx)
		}
		compiled = append(compiled, CompiledInstruction{
			ProgramIDIndex: programIdx,
			AccountIndexes: accountIdx,
			Data:           append([]byte{}, ix.Data...),
		})
	}

	msg := &Message{
		Version: version,
		Header: MessageHeader{
			NumRequiredSignatures:       uint8(len(writableSigners) + len(readonlySigners)),
			NumReadonlySignedAccounts:   uint8(len(readonlySigners)),
			NumReadonlyUnsignedAccounts: uint8(len(readonlyNonSigners)),
		},
		AccountKeys:         staticKeys,
		RecentBlockhash:     recentBlockhash,
		Instructions:        compiled,
		AddressTableLookups: lookups,
	}

	raw, err := msg.MarshalBinary()
	if err != nil {
		return nil, txErrors.Wrap(txErrors.KindInvalidInput, op, err)
	}
	// one signature count byte plus 64 bytes per required signature
	if size := 1 + 64*int(msg.Header.NumRequiredSignatures) + len(raw); size > MaxTransactionSize {
		return nil, txErrors.New(txErrors.KindInvalidInput, op, "transaction is %d bytes, maximum is %d", size, MaxTransactionSize)
	}

	return msg, nil
}

// Decompile resolves a message back into its fee payer and instructions.
// Lookup tables referenced by the message must be supplied.
func (m *Message) Decompile(lookupTables []types.AddressLookupTable) (solana.PublicKey, []types.Instruction, error) {
	const op = "compiler.Decompile"

	tables := make(map[solana.PublicKey][]solana.PublicKey, len(lookupTables))
	for _, t := range lookupTables {
		tables[t.Key] = t.Addresses
	}

	var loadedWritable, loadedReadonly []solana.PublicKey
	for _, l := range m.AddressTableLookups {
		addrs, ok := tables[l.AccountKey]
		if !ok {
			return solana.PublicKey{}, nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "lookup table %s not supplied", l.AccountKey)
		}
		for _, i := range l.WritableIndexes {
			if int(i) >= len(addrs) {
				return solana.PublicKey{}, nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "lookup table %s has no index %d", l.AccountKey, i)
			}
			loadedWritable = append(loadedWritable, addrs[i])
		}
		for _, i := range l.ReadonlyIndexes {
			if int(i) >= len(addrs) {
				return solana.PublicKey{}, nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "lookup table %s has no index %d", l.AccountKey, i)
			}
			loadedReadonly = append(loadedReadonly, addrs[i])
		}
	}

	numStatic := len(m.AccountKeys)
	numSigned := int(m.Header.NumRequiredSignatures)
	meta := func(i int) (types.AccountMeta, error) {
		switch {
		case i < numStatic:
			return types.AccountMeta{
				PublicKey:  m.AccountKeys[i],
				IsSigner:   i < numSigned,
				IsWritable: m.IsStaticWritable(i),
			}, nil
		case i < numStatic+len(loadedWritable):
			return types.AccountMeta{PublicKey: loadedWritable[i-numStatic], IsWritable: true}, nil
		case i < numStatic+len(loadedWritable)+len(loadedReadonly):
			return types.AccountMeta{PublicKey: loadedReadonly[i-numStatic-len(loadedWritable)]}, nil
		default:
			return types.AccountMeta{}, txErrors.New(txErrors.KindUnresolvedAddress, op, "account index %d out of range", i)
		}
	}

	out := make([]types.Instruction, 0, len(m.Instructions))
	for n, cix := range m.Instructions {
		if int(cix.ProgramIDIndex) >= numStatic {
			return solana.PublicKey{}, nil, txErrors.New(txErrors.KindUnresolvedAddress, op, "instruction %d program index %d is not static", n, cix.ProgramIDIndex)
		}
		ix := types.Instruction{
			ProgramID: m.AccountKeys[cix.ProgramIDIndex],
			Accounts:  make([]types.AccountMeta, 0, len(cix.AccountIndexes)),
			Data:      append([]byte{}, cix.Data...),
		}
		for _, idx := range cix.AccountIndexes {
			am, err := meta(int(idx))
			if err != nil {
				return solana.PublicKey{}, nil, err
			}
			ix.Accounts = append(ix.Accounts, am)
		}
		out = append(out, ix)
	}

	return m.FeePayer(), out, nil
}
