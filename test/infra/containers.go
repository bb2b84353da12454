package infra

import (
	"context"
	"io"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// The stress run connects as this role whether the server is a container or
// a local install.
const (
	stressUser     = "pharmatrace"
	stressPassword = "pharmatrace"
	stressDatabase = "pharmatrace_stress"
)

// Postgres is the server backing a stress run. It owns a container only when
// one was started for the run.
type Postgres struct {
	container *postgres.PostgresContainer
}

func startContainer(ctx context.Context) (*Postgres, string, error) {
	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase(stressDatabase),
		postgres.WithUsername(stressUser),
		postgres.WithPassword(stressPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", err
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return &Postgres{container: c}, dsn, nil
}

// Terminate stops the container, if the run started one.
func (p *Postgres) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
