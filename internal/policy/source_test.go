package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	value *string
	err   error
	calls int
	in    *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: f.value}}, nil
}

func TestSSMSource_Load(t *testing.T) {
	f := &fakeSSM{value: aws.String(sampleDoc)}
	doc, dig, err := Load(context.Background(), SSMSource{Client: f, Param: "/lookupguard/policies"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(doc.Policies) != 2 || len(dig) != 64 {
		t.Fatalf("policies=%d digest=%q", len(doc.Policies), dig)
	}
	if aws.ToString(f.in.Name) != "/lookupguard/policies" || !aws.ToBool(f.in.WithDecryption) {
		t.Fatalf("input = %+v", f.in)
	}
}

func TestSSMSource_Errors(t *testing.T) {
	tests := []struct {
		name string
		f    *fakeSSM
	}{
		{"api error", &fakeSSM{err: errors.New("throttled")}},
		{"nil value", &fakeSSM{}},
		{"blank value", &fakeSSM{value: aws.String("  \n")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := (SSMSource{Client: tt.f, Param: "/p"}).Fetch(context.Background()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if doc.Policies[1].Name != "password-reset" {
		t.Fatalf("policies = %+v", doc.Policies)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestLoad_SameBytesSameDigest(t *testing.T) {
	src := SSMSource{Client: &fakeSSM{value: aws.String(sampleDoc)}, Param: "/p"}
	_, a, _ := Load(context.Background(), src)
	_, b, _ := Load(context.Background(), src)
	if a != b {
		t.Fatalf("digests differ: %s %s", a, b)
	}
}
