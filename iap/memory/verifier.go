package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/code-payments/purchase-bridge/iap"
	"github.com/code-payments/purchase-bridge/model"
)

// MemoryVerifier is an in-memory verifier that checks an ed25519 signature
// carried in the purchase token. A token is valid when it signs the product
// ids of the purchase it arrived with.
type MemoryVerifier struct {
	publicKey ed25519.PublicKey
}

// NewMemoryVerifier creates a new MemoryVerifier from a given public key.
func NewMemoryVerifier(pubKey ed25519.PublicKey) iap.Verifier {
	return &MemoryVerifier{publicKey: pubKey}
}

func (m *MemoryVerifier) VerifyPurchase(ctx context.Context, purchase *model.Purchase) (bool, error) {
	signature, message, err := parseToken(purchase.Token)
	if err != nil {
		// A malformed token is an invalid purchase, not a verifier failure.
		return false, nil
	}

	if string(message) != signedMessage(purchase.ProductIDs) {
		return false, nil
	}

	return ed25519.Verify(m.publicKey, message, signature), nil
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateValidToken issues a purchase token for productIDs signed by owner.
// The token is the base58 signature followed by the signed ids.
func GenerateValidToken(owner ed25519.PrivateKey, productIDs ...string) string {
	message := signedMessage(productIDs)
	signature := ed25519.Sign(owner, []byte(message))
	return base58.Encode(signature) + "|" + message
}

func signedMessage(productIDs []string) string {
	return strings.Join(productIDs, ",")
}

func parseToken(token string) (signature []byte, message []byte, err error) {
	parts := strings.SplitN(token, "|", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid token format: %s", token)
	}

	signature, err = base58.Decode(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("error decoding signature: %w", err)
	}

	message = []byte(parts[1])
	return signature, message, nil
}
