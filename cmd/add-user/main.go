package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"

	"session-auth/internal/auth"
	"session-auth/internal/db"
)

type env struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
}

func main() {
	tenant := flag.String("tenant", "", "tenant of the principal (multi-tenant deployments)")
	username := flag.String("username", "", "username of the principal")
	role := flag.String("role", string(auth.RoleUser), "role: Owner, Infra or User")
	migrate := flag.Bool("migrate", false, "apply migrations before provisioning")
	flag.Parse()

	_ = godotenv.Load()

	password := os.Getenv("ADD_USER_PASSWORD")
	if *username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "usage: ADD_USER_PASSWORD=... add-user -username NAME [-tenant ORG] [-role User]")
		os.Exit(2)
	}

	var cfg env
	if err := envdecode.StrictDecode(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "decode env: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *tenant, *username, password, auth.Role(*role), *migrate); err != nil {
		fmt.Fprintf(os.Stderr, "add-user: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg env, tenant, username, password string, role auth.Role, migrate bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if migrate {
		if err := db.RunMigrations(ctx, database); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	id, err := auth.ProvisionPrincipal(ctx, auth.NewRepository(database), auth.NewBcryptHasher(), tenant, username, password, role)
	if err != nil {
		return err
	}

	fmt.Printf("principal %s provisioned (id=%s, role=%s)\n", username, id, role)
	return nil
}
