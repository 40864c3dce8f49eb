package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// Source fetches the raw policy document
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	// String names the source for logs and the policy_source_info metric
	String() string
}

type FileSource struct {
	Path string
}

func (s FileSource) Fetch(context.Context) ([]byte, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", s.Path)
	}
	return b, nil
}

func (s FileSource) String() string { return "file" }

// SSMGetter is the slice of *ssm.Client the SSM source needs
type SSMGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSource reads the document from a (possibly SecureString) SSM parameter
type SSMSource struct {
	Client SSMGetter
	Param  string
}

func (s SSMSource) Fetch(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.Param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", s.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", s.Param)
	}
	v := *out.Parameter.Value
	if strings.TrimSpace(v) == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", s.Param)
	}
	return []byte(v), nil
}

func (s SSMSource) String() string { return "ssm" }

// Load fetches and parses the document, returning it with the hex sha256 of
// the raw bytes so callers can tell whether a later fetch changed anything
func Load(ctx context.Context, src Source) (*Document, string, error) {
	b, err := src.Fetch(ctx)
	if err != nil {
		return nil, "", err
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, "", xerrors.Wrapf(err, "%s policy document", src)
	}
	return doc, digest(b), nil
}

// LoadFile is Load for a local file
func LoadFile(path string) (*Document, error) {
	doc, _, err := Load(context.Background(), FileSource{Path: path})
	return doc, err
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
