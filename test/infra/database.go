package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5"
)

// ErrNoDatabase reports that neither Docker nor a local server is available.
var ErrNoDatabase = errors.New("infra: no docker and no local postgres")

// Provision picks the database for a stress run. An explicit DSN, then
// STRESS_TEST_PG_DSN, names a shared server that must not be dropped; failing
// that a container is started, or a local server is prepared. shared reports
// whether the DSN came from the caller.
func Provision(ctx context.Context, dsn string) (pg *Postgres, out string, shared bool, err error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if dsn != "" {
		return &Postgres{}, dsn, true, nil
	}
	if dockerAvailable(ctx) {
		pg, out, err = startContainer(ctx)
		if err != nil {
			return nil, "", false, fmt.Errorf("start postgres container: %w", err)
		}
		return pg, out, false, nil
	}
	out, err = prepareLocal(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", ErrNoDatabase, err)
	}
	return &Postgres{}, out, false, nil
}

// prepareLocal recreates the stress database on a server listening on
// 127.0.0.1:5432 and returns a DSN for the stress role.
func prepareLocal(ctx context.Context) (string, error) {
	if err := exec.CommandContext(ctx, "pg_isready", "-h", "127.0.0.1", "-p", "5432").Run(); err != nil {
		return "", fmt.Errorf("local postgres not ready: %w", err)
	}

	admin, err := connectAdmin(ctx)
	if err != nil {
		return "", err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{stressUser}.Sanitize()
	db := pgx.Identifier{stressDatabase}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, stressPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, stressDatabase),
		"DROP DATABASE IF EXISTS " + db,
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare %s: %w", stressDatabase, err)
		}
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(stressUser, stressPassword),
		Host:     "127.0.0.1:5432",
		Path:     "/" + stressDatabase,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// connectAdmin tries the usual superuser logins of a developer install.
func connectAdmin(ctx context.Context) (*pgx.Conn, error) {
	users := []*url.Userinfo{
		url.User("postgres"),
		url.UserPassword("postgres", "postgres"),
		url.User(os.Getenv("USER")),
		url.UserPassword(os.Getenv("USER"), "postgres"),
	}
	var errs []error
	for _, u := range users {
		dsn := (&url.URL{Scheme: "postgres", User: u, Host: "127.0.0.1:5432", Path: "/postgres", RawQuery: "sslmode=disable"}).String()
		conn, err := pgx.Connect(ctx, dsn)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("connect as admin: %w", errors.Join(errs...))
}
