package compiler

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Version is the wire format of a transaction message
type Version string

const (
	VersionLegacy Version = "legacy"
	Version0      Version = "v0"
)

const (
	// MaxTransactionSize is the largest serialized transaction, signatures included, the network accepts
	MaxTransactionSize = 1232
	// MaxAccounts is the largest number of accounts a message can address with u8 indexes
	MaxAccounts = 256

	versionPrefixMask byte = 0x80
	publicKeyLength        = 32
)

type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction references its program and accounts by index into the
// message's static keys followed by its loaded addresses
type CompiledInstruction struct {
	ProgramIDIndex uint8
	AccountIndexes []uint8
	Data           []byte
}

// AddressTableLookup loads accounts from one lookup table by index
type AddressTableLookup struct {
	AccountKey      solana.PublicKey
	WritableIndexes []uint8
	ReadonlyIndexes []uint8
}

// Message is a compiled transaction message. The fee payer is AccountKeys[0].
type Message struct {
	Version             Version
	Header              MessageHeader
	AccountKeys         []solana.PublicKey
	RecentBlockhash     solana.Hash
	Instructions        []CompiledInstruction
	AddressTableLookups []AddressTableLookup
}

// FeePayer returns the account that pays for the transaction
func (m *Message) FeePayer() solana.PublicKey {
	if len(m.AccountKeys) == 0 {
		return solana.PublicKey{}
	}
	return m.AccountKeys[0]
}

// Signers returns the accounts whose signatures the transaction requires
func (m *Message) Signers() []solana.PublicKey {
	n := int(m.Header.NumRequiredSignatures)
	if n > len(m.AccountKeys) {
		n = len(m.AccountKeys)
	}
	return m.AccountKeys[:n]
}

// IsStaticWritable reports whether the static key at i is writable
func (m *Message) IsStaticWritable(i int) bool {
	numSigned := int(m.Header.NumRequiredSignatures)
	if i < numSigned {
		return i < numSigned-int(m.Header.NumReadonlySignedAccounts)
	}
	return i < len(m.AccountKeys)-int(m.Header.NumReadonlyUnsignedAccounts)
}

// NumLoadedAddresses returns how many accounts the lookups contribute
func (m *Message) NumLoadedAddresses() int {
	n := 0
	for _, l := range m.AddressTableLookups {
		n += len(l.WritableIndexes) + len(l.ReadonlyIndexes)
	}
	return n
}

// MarshalBinary encodes the message in Solana wire format
func (m *Message) MarshalBinary() ([]byte, error) {
	if m.Version != VersionLegacy && m.Version != Version0 {
		return nil, fmt.Errorf("unsupported message version %q", m.Version)
	}
	if m.Version == VersionLegacy && len(m.AddressTableLookups) > 0 {
		return nil, fmt.Errorf("legacy messages cannot carry address table lookups")
	}

	buf := make([]byte, 0, 512)
	if m.Version == Version0 {
		buf = append(buf, versionPrefixMask)
	}
	buf = append(buf,
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	)

	bin.EncodeCompactU16Length(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf = append(buf, k[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)

	bin.EncodeCompactU16Length(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf = append(buf, ix.ProgramIDIndex)
		bin.EncodeCompactU16Length(&buf, len(ix.AccountIndexes))
		buf = append(buf, ix.AccountIndexes...)
		bin.EncodeCompactU16Length(&buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}

	if m.Version == Version0 {
		bin.EncodeCompactU16Length(&buf, len(m.AddressTableLookups))
		for _, l := range m.AddressTableLookups {
			buf = append(buf, l.AccountKey[:]...)
			bin.EncodeCompactU16Length(&buf, len(l.WritableIndexes))
			buf = append(buf, l.WritableIndexes...)
			bin.EncodeCompactU16Length(&buf, len(l.ReadonlyIndexes))
			buf = append(buf, l.ReadonlyIndexes...)
		}
	}
	return buf, nil
}

// UnmarshalMessage decodes a legacy or v0 message
func UnmarshalMessage(data []byte) (*Message, error) {
	r := &reader{data: data}
	m := &Message{Version: VersionLegacy}

	first, err := r.readByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	if first&versionPrefixMask != 0 {
		if v := first &^ versionPrefixMask; v != 0 {
			return nil, fmt.Errorf("unsupported message version %d", v)
		}
		m.Version = Version0
		if first, err = r.readByte(); err != nil {
			return nil, fmt.Errorf("failed to read message header: %w", err)
		}
	}
	m.Header.NumRequiredSignatures = first
	if m.Header.NumReadonlySignedAccounts, err = r.readByte(); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	if m.Header.NumReadonlyUnsignedAccounts, err = r.readByte(); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	numKeys, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("failed to read account key count: %w", err)
	}
	m.AccountKeys = make([]solana.PublicKey, 0, numKeys)
	for i := 0; i < numKeys; i++ {
		raw, err := r.readBytes(publicKeyLength)
		if err != nil {
			return nil, fmt.Errorf("failed to read account key %d: %w", i, err)
		}
		m.AccountKeys = append(m.AccountKeys, solana.PublicKeyFromBytes(raw))
	}
	if int(m.Header.NumRequiredSignatures) > numKeys {
		return nil, fmt.Errorf("header requires %d signatures but message has %d keys", m.Header.NumRequiredSignatures, numKeys)
	}

	hash, err := r.readBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent blockhash: %w", err)
	}
	copy(m.RecentBlockhash[:], hash)

	numIxs, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("failed to read instruction count: %w", err)
	}
	for i := 0; i < numIxs; i++ {
		var ix CompiledInstruction
		if ix.ProgramIDIndex, err = r.readByte(); err != nil {
			return nil, fmt.Errorf("failed to read instruction %d: %w", i, err)
		}
		if ix.AccountIndexes, err = r.prefixedBytes(); err != nil {
			return nil, fmt.Errorf("failed to read instruction %d accounts: %w", i, err)
		}
		if ix.Data, err = r.prefixedBytes(); err != nil {
			return nil, fmt.Errorf("failed to read instruction %d data: %w", i, err)
		}
		m.Instructions = append(m.Instructions, ix)
	}

	if m.Version == Version0 {
		numLookups, err := r.compactU16()
		if err != nil {
			return nil, fmt.Errorf("failed to read lookup count: %w", err)
		}
		for i := 0; i < numLookups; i++ {
			var l AddressTableLookup
			raw, err := r.readBytes(publicKeyLength)
			if err != nil {
				return nil, fmt.Errorf("failed to read lookup %d key: %w", i, err)
			}
			l.AccountKey = solana.PublicKeyFromBytes(raw)
			if l.WritableIndexes, err = r.prefixedBytes(); err != nil {
				return nil, fmt.Errorf("failed to read lookup %d writable indexes: %w", i, err)
			}
			if l.ReadonlyIndexes, err = r.prefixedBytes(); err != nil {
				return nil, fmt.Errorf("failed to read lookup %d readonly indexes: %w", i, err)
			}
			m.AddressTableLookups = append(m.AddressTableLookups, l)
		}
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after message", r.remaining())
	}
	return m, nil
}

// Serialize returns the base64 wire encoding submitted to the custodian
func Serialize(m *Message) (string, error) {
	raw, err := m.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Deserialize decodes the output of Serialize
func Deserialize(encoded string) (*Message, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("message is not valid base64: %w", err)
	}
	return UnmarshalMessage(raw)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("unexpected end of data at offset %d", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("need %d bytes at offset %d, have %d", n, r.pos, r.remaining())
	}
	out := append([]byte{}, r.data[r.pos:r.pos+n]...)
	r.pos += n
	return out, nil
}

func (r *reader) compactU16() (int, error) {
	v, size, err := bin.DecodeCompactU16(r.data[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += size
	return v, nil
}

func (r *reader) prefixedBytes() ([]byte, error) {
	n, err := r.compactU16()
	if err != nil {
		return nil, err
	}
	return r.readBytes(n)
}
