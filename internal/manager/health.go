package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const healthProbeTimeout = time.Second

func newHealthClient() *resty.Client {
	return resty.New().SetTimeout(healthProbeTimeout)
}

// healthURL builds the probe URL for a server model, or "" when the model
// declares no health path.
func (m *Manager) healthURL(path string, port int) string {
	path = strings.TrimSpace(path)
	if path == "" || port <= 0 {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", m.cfg.Host, port, path)
}

// probeHealthy reports whether url answered with a 2xx status.
func (m *Manager) probeHealthy(ctx context.Context, url string) bool {
	resp, err := m.health.R().SetContext(ctx).Get(url)
	if err != nil {
		return false
	}
	return resp.IsSuccess()
}
