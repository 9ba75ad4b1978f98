// Package remotedriver implements sandbox.Driver against a remote sandbox
// provisioning API, for engines that don't run their own docker host.
package remotedriver

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"time"

	"github.com/maruel/httpjson"
	"github.com/maruel/roundtrippers"

	"github.com/sandboxrun/engine/internal/sandbox"
)

// Driver implements sandbox.Driver by calling a remote HTTP provisioning
// API: a thin httpjson.Client plus a bearer-token round-tripper.
type Driver struct {
	client     httpjson.Client
	baseURL    string
	templateID string
}

// New returns a Driver that talks to baseURL, authenticating with apiKey.
// templateID selects the provider-side sandbox template; empty means the
// provider's default.
func New(baseURL, apiKey, templateID string) *Driver {
	rt := &roundtrippers.Header{
		Transport: http.DefaultTransport,
		Header:    http.Header{"Authorization": []string{"Bearer " + apiKey}},
	}
	return &Driver{
		baseURL:    baseURL,
		templateID: templateID,
		client:     httpjson.Client{Client: &http.Client{Transport: rt, Timeout: 60 * time.Second}},
	}
}

type provisionRequest struct {
	Name       string  `json:"name"`
	TemplateID string  `json:"template_id,omitempty"`
	CPUs       float64 `json:"cpus,omitempty"`
	MemoryMiB  int64   `json:"memory_mib,omitempty"`
	DiskMiB    int64   `json:"disk_mib,omitempty"`
	TTLSeconds int64   `json:"ttl_seconds,omitempty"`
}

type provisionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Provision asks the remote provider for a fresh sandbox.
func (d *Driver) Provision(ctx context.Context, name string, limits sandbox.ResourceLimits) (sandbox.Handle, error) {
	req := provisionRequest{
		Name:       name,
		TemplateID: d.templateID,
		CPUs:       limits.CPUs,
		MemoryMiB:  limits.MemoryMiB,
		DiskMiB:    limits.DiskMiB,
	}
	if limits.Lifetime > 0 {
		req.TTLSeconds = int64(limits.Lifetime.Seconds())
	}
	var resp provisionResponse
	if err := d.client.Post(ctx, d.baseURL+"/v1/sandboxes", nil, req, &resp); err != nil {
		return sandbox.Handle{}, &sandbox.ProvisionError{Reason: classifyProvisionError(err), Err: err}
	}
	return sandbox.Handle{ID: resp.ID, Backend: "remote", CreatedAt: resp.CreatedAt}, nil
}

type runRequest struct {
	Argv  []string `json:"argv"`
	Cwd   string   `json:"cwd,omitempty"`
	Env   []string `json:"env,omitempty"`
	Stdin string   `json:"stdin_base64,omitempty"`
}

type runResponse struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	TimedOut        bool   `json:"timed_out"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
}

// Run executes the command inside the remote sandbox h.
func (d *Driver) Run(ctx context.Context, h sandbox.Handle, c sandbox.Cmd) (sandbox.Result, error) {
	req := runRequest{Argv: c.Argv, Cwd: c.Cwd, Env: c.Env}
	if len(c.Stdin) > 0 {
		req.Stdin = base64.StdEncoding.EncodeToString(c.Stdin)
	}
	var resp runResponse
	if err := d.client.Post(ctx, d.baseURL+"/v1/sandboxes/"+h.ID+"/exec", nil, req, &resp); err != nil {
		return sandbox.Result{TimedOut: ctx.Err() != nil}, fmt.Errorf("remotedriver: exec: %w", err)
	}
	return sandbox.Result{
		ExitCode:        resp.ExitCode,
		Stdout:          []byte(resp.Stdout),
		Stderr:          []byte(resp.Stderr),
		TimedOut:        resp.TimedOut,
		StdoutTruncated: resp.StdoutTruncated,
		StderrTruncated: resp.StderrTruncated,
	}, nil
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content_base64"`
	Mode    uint32 `json:"mode,omitempty"`
}

// WriteFile uploads data to path inside the remote sandbox h.
func (d *Driver) WriteFile(ctx context.Context, h sandbox.Handle, path string, data []byte, mode fs.FileMode) error {
	req := writeFileRequest{Path: path, Content: base64.StdEncoding.EncodeToString(data), Mode: uint32(mode)}
	var resp struct{}
	if err := d.client.Post(ctx, d.baseURL+"/v1/sandboxes/"+h.ID+"/files", nil, req, &resp); err != nil {
		return fmt.Errorf("remotedriver: write %s: %w", path, err)
	}
	return nil
}

type readFileResponse struct {
	Content string `json:"content_base64"`
}

// ReadFile downloads path from the remote sandbox h.
func (d *Driver) ReadFile(ctx context.Context, h sandbox.Handle, path string) ([]byte, error) {
	var resp readFileResponse
	if err := d.client.Get(ctx, d.baseURL+"/v1/sandboxes/"+h.ID+"/files?path="+url.QueryEscape(path), nil, &resp); err != nil {
		return nil, fmt.Errorf("remotedriver: read %s: %w", path, err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("remotedriver: decode %s: %w", path, err)
	}
	return data, nil
}

// Teardown releases the remote sandbox. A 404 from the provider (sandbox
// already gone) is treated as success, same idempotency contract as the
// container driver.
func (d *Driver) Teardown(ctx context.Context, h sandbox.Handle) error {
	resp, err := d.client.Request(ctx, http.MethodDelete, d.baseURL+"/v1/sandboxes/"+h.ID, nil, nil)
	if err == nil {
		var out struct{}
		_, err = httpjson.DecodeResponse(resp, &out)
	}
	if err == nil {
		return nil
	}
	var he *httpjson.Error
	if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("remotedriver: teardown %s: %w", h.ID, err)
}

type listResponse struct {
	Sandboxes []provisionResponse `json:"sandboxes"`
}

// List returns every sandbox the remote provider currently reports as
// live under this driver's account.
func (d *Driver) List(ctx context.Context) ([]sandbox.Handle, error) {
	var resp listResponse
	if err := d.client.Get(ctx, d.baseURL+"/v1/sandboxes", nil, &resp); err != nil {
		return nil, fmt.Errorf("remotedriver: list: %w", err)
	}
	out := make([]sandbox.Handle, 0, len(resp.Sandboxes))
	for _, s := range resp.Sandboxes {
		out = append(out, sandbox.Handle{ID: s.ID, Backend: "remote", CreatedAt: s.CreatedAt})
	}
	return out, nil
}

func classifyProvisionError(err error) sandbox.ProvisionReason {
	var he *httpjson.Error
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return sandbox.ReasonQuota
		case http.StatusUnauthorized, http.StatusForbidden:
			return sandbox.ReasonAuth
		case http.StatusNotFound, http.StatusUnprocessableEntity:
			return sandbox.ReasonTemplateMissing
		}
	}
	return sandbox.ReasonTransport
}
