package compiler

import (
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SignedTransaction is a decoded signed transaction as returned by the custodian
type SignedTransaction struct {
	Signatures []solana.Signature
	Message    *Message
}

// ID returns the first signature, which identifies the transaction on the ledger
func (t *SignedTransaction) ID() solana.Signature {
	if len(t.Signatures) == 0 {
		return solana.Signature{}
	}
	return t.Signatures[0]
}

// MarshalBinary encodes the signatures followed by the message
func (t *SignedTransaction) MarshalBinary() ([]byte, error) {
	msg, err := t.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+64*len(t.Signatures)+len(msg))
	bin.EncodeCompactU16Length(&buf, len(t.Signatures))
	for _, s := range t.Signatures {
		buf = append(buf, s[:]...)
	}
	return append(buf, msg...), nil
}

// DecodeSignedTransaction decodes raw wire bytes
func DecodeSignedTransaction(raw []byte) (*SignedTransaction, error) {
	r := &reader{data: raw}
	n, err := r.compactU16()
	if err != nil {
		return nil, fmt.Errorf("failed to read signature count: %w", err)
	}
	tx := &SignedTransaction{Signatures: make([]solana.Signature, 0, n)}
	for i := 0; i < n; i++ {
		b, err := r.readBytes(64)
		if err != nil {
			return nil, fmt.Errorf("failed to read signature %d: %w", i, err)
		}
		var sig solana.Signature
		copy(sig[:], b)
		tx.Signatures = append(tx.Signatures, sig)
	}
	msg, err := UnmarshalMessage(raw[r.pos:])
	if err != nil {
		return nil, err
	}
	if int(msg.Header.NumRequiredSignatures) != n {
		return nil, fmt.Errorf("transaction carries %d signatures, message requires %d", n, msg.Header.NumRequiredSignatures)
	}
	tx.Message = msg
	return tx, nil
}

// DecodeSignedTransactionBase64 decodes the base64 raw_transaction returned by the custodian
func DecodeSignedTransactionBase64(encoded string) (*SignedTransaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("signed transaction is not valid base64: %w", err)
	}
	return DecodeSignedTransaction(raw)
}
