// Package cryptoutil verifies detached signatures over policy documents
// against an asymmetric AWS KMS key. Verification runs locally with the
// public key, KMS is only called once to fetch it.
package cryptoutil
