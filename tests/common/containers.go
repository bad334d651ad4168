// Package common provides shared test infrastructure for integration
// tests against real Redis and SurrealDB instances.
package common

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	feltcommon "github.com/bobmcallan/felt/internal/common"
)

// Env holds the two backing containers for one test.
type Env struct {
	t       *testing.T
	ctx     context.Context
	cancel  context.CancelFunc
	redis   testcontainers.Container
	surreal testcontainers.Container

	RedisAddr   string
	SurrealAddr string
}

// NewEnv starts Redis and SurrealDB containers for an integration test.
// Skipped unless FELT_TEST_CONTAINERS=true.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	if os.Getenv("FELT_TEST_CONTAINERS") != "true" {
		t.Skip("container tests disabled (set FELT_TEST_CONTAINERS=true to enable)")
		return nil
	}

	timeout := 120 * time.Second
	if envTimeout := os.Getenv("FELT_TEST_TIMEOUT"); envTimeout != "" {
		if d, err := time.ParseDuration(envTimeout); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	env := &Env{t: t, ctx: ctx, cancel: cancel}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		cancel()
		t.Fatalf("Failed to start redis container: %v", err)
	}
	env.redis = redisC

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		env.Close()
		t.Fatalf("Failed to get redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379/tcp")
	if err != nil {
		env.Close()
		t.Fatalf("Failed to get redis port: %v", err)
	}
	env.RedisAddr = fmt.Sprintf("%s:%s", redisHost, redisPort.Port())

	surrealC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:latest",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--user", "root", "--pass", "root", "memory"},
			WaitingFor:   wait.ForListeningPort("8000/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		env.Close()
		t.Fatalf("Failed to start surrealdb container: %v", err)
	}
	env.surreal = surrealC

	surrealHost, err := surrealC.Host(ctx)
	if err != nil {
		env.Close()
		t.Fatalf("Failed to get surrealdb host: %v", err)
	}
	surrealPort, err := surrealC.MappedPort(ctx, "8000/tcp")
	if err != nil {
		env.Close()
		t.Fatalf("Failed to get surrealdb port: %v", err)
	}
	env.SurrealAddr = fmt.Sprintf("ws://%s:%s", surrealHost, surrealPort.Port())

	t.Cleanup(env.Close)
	return env
}

// Config returns a service config pointed at the containers.
func (e *Env) Config() *feltcommon.Config {
	cfg := feltcommon.NewDefaultConfig()
	cfg.Redis.Addr = e.RedisAddr
	cfg.Surreal.Address = e.SurrealAddr
	cfg.Surreal.Namespace = "felt_test"
	cfg.Surreal.Database = fmt.Sprintf("db_%d", time.Now().UnixNano())
	return cfg
}

// Close terminates both containers.
func (e *Env) Close() {
	if e.surreal != nil {
		e.surreal.Terminate(e.ctx)
		e.surreal = nil
	}
	if e.redis != nil {
		e.redis.Terminate(e.ctx)
		e.redis = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}
