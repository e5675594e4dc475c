package testutil

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/Layr-Labs/custody-tx-go/pkg/compiler"
	"github.com/Layr-Labs/custody-tx-go/pkg/requestSigner"
	"github.com/Layr-Labs/custody-tx-go/pkg/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

var (
	signerOnce sync.Once
	signerPEM  []byte
	signerErr  error
)

// CreateTestRequestSigner returns an RSA request signer. The key is generated
// once per test binary.
func CreateTestRequestSigner(t testing.TB) *requestSigner.CryptoRequestSigner {
	signerOnce.Do(func() {
		signerPEM, _, signerErr = requestSigner.GenerateKeyPair(2048)
	})
	if signerErr != nil {
		t.Fatalf("Failed to generate request signer key: %v", signerErr)
	}
	s, err := requestSigner.NewFromPEM(signerPEM)
	if err != nil {
		t.Fatalf("Failed to create request signer: %v", err)
	}
	return s
}

// CreateTestPublicKey returns a deterministic public key whose bytes are all b
func CreateTestPublicKey(b byte) solana.PublicKey {
	var k solana.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

// CreateTestBlockhash returns a fixed non-zero blockhash
func CreateTestBlockhash() solana.Hash {
	var h solana.Hash
	for i := range h {
		h[i] = byte(i + 1)
	}
	return h
}

// CreateTestTransferInstruction returns a system transfer as a core instruction
func CreateTestTransferInstruction(t testing.TB, from, to solana.PublicKey, lamports uint64) types.Instruction {
	ix, err := types.NewInstruction(system.NewTransferInstruction(lamports, from, to).Build())
	if err != nil {
		t.Fatalf("Failed to build transfer instruction: %v", err)
	}
	return ix
}

// CreateTestAccessToken returns an HS256 JWT that expires at exp
func CreateTestAccessToken(t testing.TB, exp time.Time) string {
	token := jwt.New()
	if err := token.Set(jwt.ExpirationKey, exp); err != nil {
		t.Fatalf("Failed to set expiration: %v", err)
	}
	if err := token.Set(jwt.SubjectKey, "api-user"); err != nil {
		t.Fatalf("Failed to set subject: %v", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), []byte("test-token-secret-test-token-secret")))
	if err != nil {
		t.Fatalf("Failed to sign access token: %v", err)
	}
	return string(signed)
}

// CreateTestMessage compiles a legacy transfer of lamports from payer
func CreateTestMessage(t testing.TB, payer solana.PublicKey, lamports uint64) *compiler.Message {
	assembled := &types.AssembledInstructions{Entries: []types.AssembledInstruction{{
		Role:        types.RoleCore,
		Source:      "test",
		Instruction: CreateTestTransferInstruction(t, payer, CreateTestPublicKey(2), lamports),
	}}}
	msg, err := compiler.Compile(payer, assembled, CreateTestBlockhash(), nil)
	if err != nil {
		t.Fatalf("Failed to compile test message: %v", err)
	}
	return msg
}

// CreateTestSignedTransaction returns a base64 signed transfer and its
// signature. The signature bytes are all sigByte.
func CreateTestSignedTransaction(t testing.TB, sigByte byte) (string, solana.Signature) {
	var sig solana.Signature
	for i := range sig {
		sig[i] = sigByte
	}
	tx := &compiler.SignedTransaction{
		Signatures: []solana.Signature{sig},
		Message:    CreateTestMessage(t, CreateTestPublicKey(1), 1000),
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to encode test transaction: %v", err)
	}
	return base64.StdEncoding.EncodeToString(raw), sig
}
