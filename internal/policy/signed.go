package policy

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// Verifier checks a detached signature, *cryptoutil.KMSVerifier is one
type Verifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// SignatureSuffix names the signature next to its document, policies.yaml.sig
// or /lookupguard/policies.sig in SSM
const SignatureSuffix = ".sig"

// SignedSource only returns documents whose base64 detached signature from
// Signature verifies. A document and signature published out of step fail
// until both are updated, so the watcher keeps the previous policies.
type SignedSource struct {
	Source    Source
	Signature Source
	Verifier  Verifier
}

func (s SignedSource) Fetch(ctx context.Context) ([]byte, error) {
	doc, err := s.Source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := s.Signature.Fetch(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch policy signature")
	}
	sig, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, xerrors.Wrap(err, "decode policy signature")
	}
	if err := s.Verifier.VerifySignature(ctx, doc, sig); err != nil {
		return nil, xerrors.Wrapf(err, "%s policy document signature", s.Source)
	}
	return doc, nil
}

// String is the wrapped source's name, signing does not change where policies come from
func (s SignedSource) String() string { return s.Source.String() }
