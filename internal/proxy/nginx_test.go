package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"go.uber.org/zap"
)

func intPtr(n int) *int { return &n }

func TestConfigurator_Regenerate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant-routes.conf")
	c := NewConfigurator(path, "", zap.NewNop())

	records := []domain.ContainerRecord{
		{TenantID: uuid.New(), ContainerName: "flow-bbb", AssignedPort: intPtr(32802)},
		{TenantID: uuid.New(), ContainerName: "flow-aaa", AssignedPort: intPtr(32801)},
		{TenantID: uuid.New(), ContainerName: "flow-ccc", AssignedPort: nil},
	}

	if err := c.Regenerate(context.Background(), records); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected routes file, got %v", err)
	}
	conf := string(content)

	if !strings.Contains(conf, "location /flow-aaa/") {
		t.Fatalf("expected route for flow-aaa:\n%s", conf)
	}
	if !strings.Contains(conf, "proxy_pass http://127.0.0.1:32801/;") {
		t.Fatalf("expected upstream 32801:\n%s", conf)
	}
	if strings.Contains(conf, "flow-ccc") {
		t.Fatalf("expected portless container omitted:\n%s", conf)
	}

	// Routes are ordered by container name regardless of input order.
	if strings.Index(conf, "flow-aaa") > strings.Index(conf, "flow-bbb") {
		t.Fatalf("expected routes ordered by name:\n%s", conf)
	}
}

func TestConfigurator_Regenerate_Empty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant-routes.conf")
	c := NewConfigurator(path, "", zap.NewNop())

	if err := c.Regenerate(context.Background(), nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected routes file, got %v", err)
	}
	if strings.Contains(string(content), "location") {
		t.Fatalf("expected no location blocks:\n%s", content)
	}
}

func TestConfigurator_Regenerate_ReloadFailureKeepsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant-routes.conf")
	c := NewConfigurator(path, "false", zap.NewNop())

	records := []domain.ContainerRecord{
		{TenantID: uuid.New(), ContainerName: "flow-aaa", AssignedPort: intPtr(32801)},
	}
	err := c.Regenerate(context.Background(), records)
	if err == nil {
		t.Fatal("expected reload error")
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected routes file kept, got %v", statErr)
	}
}

func TestRender_Deterministic(t *testing.T) {
	records := []domain.ContainerRecord{
		{ContainerName: "flow-aaa", AssignedPort: intPtr(32801)},
		{ContainerName: "flow-bbb", AssignedPort: intPtr(32802)},
	}
	first, err := Render(records)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := Render(records)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first != second {
		t.Fatal("expected identical output for identical input")
	}
}
