package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testImage = "nats:2.11.7-alpine"

// TestClient is a NATS server in a container plus a Client connected to it.
type TestClient struct {
	Client *Client
	URL    string
}

type testServer struct {
	jetstream bool
	buckets   []string
}

// TestOption configures the server behind a TestClient.
type TestOption func(*testServer)

// WithJetStream enables JetStream on the server.
func WithJetStream() TestOption {
	return func(s *testServer) { s.jetstream = true }
}

// WithKV enables JetStream and creates the named KV buckets up front.
func WithKV(buckets ...string) TestOption {
	return func(s *testServer) {
		s.jetstream = true
		s.buckets = append(s.buckets, buckets...)
	}
}

// NewTestClient starts a NATS container for the lifetime of t and returns a
// connected client. Failures to start abort the test.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	srv := &testServer{}
	for _, opt := range opts {
		opt(srv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if srv.jetstream {
		cmd = append(cmd, "--js")
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        testImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/healthz").WithPort("8222/tcp"),
			).WithStartupTimeoutDefault(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	url, err := containerURL(ctx, container)
	if err != nil {
		t.Fatalf("NATS container address: %v", err)
	}

	client, err := NewClient(url, WithTimeout(5*time.Second), WithMaxReconnects(0))
	if err != nil {
		t.Fatalf("create NATS client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to NATS: %v", err)
	}
	t.Cleanup(func() { _ = client.Close(context.Background()) })

	for _, bucket := range srv.buckets {
		if _, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket}); err != nil {
			t.Fatalf("create KV bucket %s: %v", bucket, err)
		}
	}
	return &TestClient{Client: client, URL: url}
}

func containerURL(ctx context.Context, c testcontainers.Container) (string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := c.MappedPort(ctx, "4222")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("nats://%s:%s", host, port.Port()), nil
}

// KVStore opens the named bucket, creating it if needed.
func (tc *TestClient) KVStore(ctx context.Context, bucket string) (*KVStore, error) {
	kv, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, err
	}
	return tc.Client.NewKVStore(kv), nil
}
