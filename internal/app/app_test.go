package app_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"deliverline/internal/app"
	"deliverline/internal/config"
	"deliverline/internal/engine"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	dir := t.TempDir()
	ws, err := app.Open(context.Background(), dir, app.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Deliverables.DeletePolicy != config.DeletePolicyRole {
		t.Fatalf("default config not applied: %+v", ws.Config.Deliverables)
	}
}

func TestOpenReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	yml := "deliverables:\n  delete_policy: unconditional\n"
	if err := os.WriteFile(config.Path(dir), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := app.Open(context.Background(), dir, app.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Deliverables.DeletePolicy != config.DeletePolicyUnconditional {
		t.Fatalf("config file ignored")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	pinned := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	ws, err := app.Open(ctx, t.TempDir(), app.Options{Now: func() time.Time { return pinned }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	ws.Engine.PasswordCost = bcrypt.MinCost

	res, err := app.Seed(ctx, ws.Engine, "demo-pass")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if res.Users != len(app.DemoUsers) || res.Deliverables != 3 {
		t.Fatalf("seed result %+v", res)
	}
	again, err := app.Seed(ctx, ws.Engine, "demo-pass")
	if err != nil || again.Users != 0 || again.Deliverables != 0 {
		t.Fatalf("second seed %+v %v", again, err)
	}
	if _, err := ws.Engine.Authenticate(ctx, "dev@example.com", "demo-pass"); err != nil {
		t.Fatalf("login as demo user: %v", err)
	}
	att, err := ws.Engine.Attention(ctx, "demo-direction")
	if err != nil || len(att) != 2 {
		t.Fatalf("attention after seed: %d %v", len(att), err)
	}
	dev, _ := ws.Engine.ListDeliverables(ctx, "demo-dev", engine.ListFilter{})
	if len(dev) != 1 {
		t.Fatalf("dev sees %d deliverables", len(dev))
	}
}

func TestBootstrapOnlyOnEmptyWorkspace(t *testing.T) {
	ctx := context.Background()
	ws, err := app.Open(ctx, t.TempDir(), app.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	ws.Engine.PasswordCost = bcrypt.MinCost

	if _, err := app.Bootstrap(ctx, ws.Engine, app.BootstrapOptions{Email: "boss@example.com", Password: "123"}); err == nil {
		t.Fatal("short password accepted")
	}
	u, err := app.Bootstrap(ctx, ws.Engine, app.BootstrapOptions{Email: " Boss@Example.com ", Password: "secret1", Name: "Boss"})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	who, err := ws.Engine.WhoAmI(ctx, u.ID)
	if err != nil || !who.Permissions.Direction || !who.Permissions.CanManageUsers {
		t.Fatalf("bootstrap user permissions %+v %v", who.Permissions, err)
	}
	if _, err := ws.Engine.Authenticate(ctx, "boss@example.com", "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := app.Bootstrap(ctx, ws.Engine, app.BootstrapOptions{Email: "other@example.com", Password: "secret1"}); !errors.Is(err, app.ErrAlreadyBootstrapped) {
		t.Fatalf("second bootstrap: %v", err)
	}
}
