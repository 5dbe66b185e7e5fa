// Package testutil holds helpers shared by container-backed tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// ContainerTestsEnv opts into tests that start Docker containers.
const ContainerTestsEnv = "MESSAGING_SERVICE_CONTAINER_TESTS"

// RequireContainers skips tb unless container tests are enabled.
func RequireContainers(tb testing.TB) {
	tb.Helper()
	if os.Getenv(ContainerTestsEnv) == "" {
		tb.Skipf("set %s=1 to run container-backed tests", ContainerTestsEnv)
	}
}

// TerminateOnCleanup stops c when tb finishes.
func TerminateOnCleanup(tb testing.TB, name string, c testcontainers.Container) {
	tb.Helper()
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			tb.Errorf("terminate %s container: %v", name, err)
		}
	})
}

// StartGeneric runs image with a single exposed port and returns host:port
// of the mapped port once it accepts connections.
func StartGeneric(tb testing.TB, name, image, port string, env map[string]string) string {
	tb.Helper()
	RequireContainers(tb)

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			ExposedPorts: []string{port + "/tcp"},
			Env:          env,
			WaitingFor:   wait.ForListeningPort(nat.Port(port + "/tcp")).WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		tb.Fatalf("start %s container: %v", name, err)
	}
	TerminateOnCleanup(tb, name, c)

	host, err := c.Host(ctx)
	if err != nil {
		tb.Fatalf("get %s host: %v", name, err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		tb.Fatalf("get %s mapped port: %v", name, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}
