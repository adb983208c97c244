package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/qiniu/routeops/internal/osrm/model"
)

// HealthChecker probes a running instance.
type HealthChecker interface {
	Check(ctx context.Context, inst model.Instance, probe string) error
}

// HTTPHealthChecker asks osrm-routed for a route between the probe coordinates.
type HTTPHealthChecker struct {
	Host    string
	Timeout time.Duration
	Client  *http.Client
}

type routeResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Routes  []json.RawMessage `json:"routes"`
}

// Check returns nil when the route service answers code "Ok" with at least one route.
func (h HTTPHealthChecker) Check(ctx context.Context, inst model.Instance, probe string) error {
	if probe == "" {
		return errors.New("no probe coordinates configured")
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	host := h.Host
	if host == "" {
		host = "127.0.0.1"
	}
	url := fmt.Sprintf("http://%s/route/v1/driving/%s?overview=false",
		net.JoinHostPort(host, strconv.Itoa(inst.Port)), probe)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("route probe: %w", err)
	}
	defer resp.Body.Close()

	var body routeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return fmt.Errorf("route probe: status %d: invalid body: %w", resp.StatusCode, err)
	}
	if body.Code != "Ok" {
		return fmt.Errorf("route probe: status %d: code %q: %s", resp.StatusCode, body.Code, body.Message)
	}
	if len(body.Routes) == 0 {
		return errors.New("route probe: no routes returned")
	}
	return nil
}
