package walletauth

import (
	"encoding/base64"

	"github.com/gagliardetto/solana-go"
)

// Ed25519Verifier checks a base64 signature against a base58-encoded
// Solana-style public key, adapted from the teacher's SignatureVerifier.
type Ed25519Verifier struct{}

// NewEd25519Verifier builds an Ed25519Verifier.
func NewEd25519Verifier() Ed25519Verifier {
	return Ed25519Verifier{}
}

// Verify reports whether signatureBase64 is a valid Ed25519 signature over
// message by signerBase58.
func (Ed25519Verifier) Verify(message, signatureBase64, signerBase58 string) bool {
	sigBytes, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return false
	}
	signer, err := solana.PublicKeyFromBase58(signerBase58)
	if err != nil {
		return false
	}
	sig := solana.SignatureFromBytes(sigBytes)
	return sig.Verify(signer, []byte(message))
}
