package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// KeyFetcher is the slice of *kms.Client the verifier needs
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks signatures made with kms:Sign on an asymmetric
// SIGN_VERIFY key, ECDSA P-256/P-384 or RSA-PSS with SHA-256
type KMSVerifier struct {
	client KeyFetcher
	keyID  string

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

// NewKMSVerifier accepts a key id, ARN or alias
func NewKMSVerifier(client KeyFetcher, keyID string) *KMSVerifier {
	return &KMSVerifier{client: client, keyID: keyID}
}

// PublicKey fetches the public key on first use and caches it. A failed fetch
// is not cached, the next call retries.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	pub := v.pubKey
	v.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(v.keyID),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}

	v.pubKey = parsed
	return parsed, nil
}

// VerifySignature checks signature over message. The curve picks the hash
// for ECDSA (P-256 SHA-256, P-384 SHA-384), RSA is always PSS with SHA-256.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	if len(signature) == 0 {
		return xerrors.New("empty signature")
	}
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "RSA-PSS signature verification failed")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	var digest []byte
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		digest = d[:]
	case elliptic.P384():
		d := sha512.Sum384(message)
		digest = d[:]
	default:
		return xerrors.Newf("unsupported ECDSA curve: %s", key.Curve.Params().Name)
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed (curve %s)", key.Curve.Params().Name)
	}
	return nil
}
