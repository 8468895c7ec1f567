// Package proxy rewrites the nginx routing table that maps each tenant's
// container path to its assigned loopback port.
package proxy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/iotfoundry/tenantflow/internal/domain"
	"go.uber.org/zap"
)

// routesTemplate renders one location block per routed container. Websocket
// upgrade headers are required by the flow editor.
var routesTemplate = template.Must(template.New("routes").Parse(
	`# generated from the container registry; do not edit
{{range .}}
location /{{.Name}}/ {
    proxy_pass http://127.0.0.1:{{.Port}}/;
    proxy_http_version 1.1;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header Host $host;
    proxy_set_header X-Real-IP $remote_addr;
}
{{end}}`))

type Configurator struct {
	path      string
	reloadCmd string
	logger    *zap.Logger
}

func NewConfigurator(path, reloadCmd string, logger *zap.Logger) *Configurator {
	return &Configurator{path: path, reloadCmd: reloadCmd, logger: logger}
}

// Regenerate writes the routing file for the given records and reloads the
// proxy. Records without a port are skipped, so a tenant whose port was
// cleared loses its route rather than pointing at a stale port. The output
// is deterministic for a given record set. A reload failure is returned but
// the written file stays in place; the caller may retry the reload alone.
func (c *Configurator) Regenerate(ctx context.Context, records []domain.ContainerRecord) error {
	routed := make([]domain.ContainerRecord, 0, len(records))
	for _, rec := range records {
		if rec.AssignedPort != nil {
			routed = append(routed, rec)
		}
	}
	sort.Slice(routed, func(i, j int) bool {
		return routed[i].ContainerName < routed[j].ContainerName
	})

	content, err := Render(routed)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path, content); err != nil {
		return fmt.Errorf("write routes file: %w", err)
	}
	c.logger.Info("proxy routes regenerated", zap.Int("routes", len(routed)))

	if err := c.reload(ctx); err != nil {
		return fmt.Errorf("reload proxy: %w", err)
	}
	return nil
}

type route struct {
	Name string
	Port int
}

// Render produces the routing file body for an already-filtered, ordered
// record set.
func Render(routed []domain.ContainerRecord) (string, error) {
	routes := make([]route, 0, len(routed))
	for _, rec := range routed {
		routes = append(routes, route{Name: rec.ContainerName, Port: *rec.AssignedPort})
	}
	var b strings.Builder
	if err := routesTemplate.Execute(&b, routes); err != nil {
		return "", fmt.Errorf("render routes: %w", err)
	}
	return b.String(), nil
}

func (c *Configurator) reload(ctx context.Context) error {
	parts := strings.Fields(c.reloadCmd)
	if len(parts) == 0 {
		return nil
	}
	out, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", c.reloadCmd, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
