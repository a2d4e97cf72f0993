package secrets

import (
	"context"
	"errors"
	"io"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
)

type fakeAccessor struct {
	values   map[string]string
	requests []string
	closed   bool
}

func (f *fakeAccessor) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.requests = append(f.requests, req.GetName())
	v, ok := f.values[req.GetName()]
	if !ok {
		return nil, errors.New("not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(v)},
	}, nil
}

func (f *fakeAccessor) Close() error {
	f.closed = true
	return nil
}

func newTestManager(values map[string]string) (*GCPSecretManager, *fakeAccessor) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	fake := &fakeAccessor{values: values}
	return &GCPSecretManager{client: fake, projectID: "proj", logger: logger}, fake
}

func TestGetSecret(t *testing.T) {
	m, fake := newTestManager(map[string]string{
		"projects/proj/secrets/rebalancer-wallet-private-key/versions/latest": "  0xabc\n",
	})
	ctx := context.Background()

	got, err := m.GetSecret(ctx, "rebalancer-wallet-private-key")
	if err != nil || got != "  0xabc\n" {
		t.Fatalf("GetSecret = %q, %v", got, err)
	}
	if got := m.GetSecretWithDefault(ctx, "rebalancer-wallet-private-key", ""); got != "0xabc" {
		t.Errorf("GetSecretWithDefault = %q, want trimmed value", got)
	}
	if got := m.GetSecretWithDefault(ctx, "missing", "fallback"); got != "fallback" {
		t.Errorf("missing secret = %q, want fallback", got)
	}
	if got := m.GetSecretWithDefault(ctx, "", "fallback"); got != "fallback" || len(fake.requests) != 3 {
		t.Errorf("empty name = %q after %d requests", got, len(fake.requests))
	}

	if err := m.Close(); err != nil || !fake.closed {
		t.Error("Close did not reach the client")
	}
}

func TestDefaultSecretNames(t *testing.T) {
	n := DefaultSecretNames()
	if n.WalletPrivateKey == "" || n.RPCJWTSecret == "" || n.WalletPrivateKey == n.RPCJWTSecret {
		t.Errorf("names = %+v", n)
	}
}
