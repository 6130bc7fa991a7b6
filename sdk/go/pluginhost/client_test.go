package pluginhost

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"PluginHost/internal/api"
	"PluginHost/internal/auth"
	"PluginHost/internal/repository"
	"PluginHost/pkg/plugin"
	"PluginHost/pkg/plugin/plugintest"
)

func newHost(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()
	env := plugintest.NewEnv()
	env.Publish("acme:echo:1.0", &plugintest.Fake{OnLoad: func(ctx *plugin.ExecutionContext) error {
		ctx.Contribute.Command("echo", func(_ context.Context, args []string) (string, error) {
			if len(args) == 0 {
				return "", nil
			}
			return args[0], nil
		})
		return nil
	}}, repository.Provided("acme:base:1.0"))
	env.Publish("acme:base:1.0", &plugintest.Fake{})
	m, err := env.Manager(plugin.ManagerConfig{})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	opts = append(opts, api.WithLogger(slog.New(slog.DiscardHandler)))
	srv := httptest.NewServer(api.NewServer(":0", m, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientAgainstHost(t *testing.T) {
	srv := newHost(t)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx := context.Background()

	installed, err := client.Install(ctx, InstallRequest{ID: "acme:echo"})
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if installed.ID != "acme:echo:1.0" || installed.Info == nil {
		t.Fatalf("unexpected install: %+v", installed)
	}

	if _, err := client.Enable(ctx, "acme:echo"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	out, err := client.Execute(ctx, "echo", "ping")
	if err != nil || out != "ping" {
		t.Fatalf("execute: %q %v", out, err)
	}
	commands, err := client.Commands(ctx)
	if err != nil || len(commands) != 1 {
		t.Fatalf("commands: %v %v", commands, err)
	}

	_, err = client.Disable(ctx, "acme:base")
	if !IsCode(err, "ILLEGAL_STATE") {
		t.Fatalf("expected ILLEGAL_STATE, got %v", err)
	}

	p, err := client.SetProperty(ctx, "acme:echo", "mode", "loud")
	if err != nil || p.Properties["mode"] != "loud" {
		t.Fatalf("set property: %+v %v", p, err)
	}

	if _, err := client.Disable(ctx, "acme:echo"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := client.Uninstall(ctx, "acme:echo"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	removed, err := client.AutoRemove(ctx)
	if err != nil || len(removed) != 1 || removed[0] != "acme:base:1.0" {
		t.Fatalf("autoremove: %v %v", removed, err)
	}
	list, err := client.List(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("list: %v %v", list, err)
	}

	found, err := client.Search(ctx, "ech")
	if err != nil || len(found) != 1 || found[0] != "acme:echo" {
		t.Fatalf("search: %v %v", found, err)
	}
	_, err = client.Info(ctx, "acme:echo")
	if !IsCode(err, "NOT_FOUND") {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestClientSendsToken(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Tokens: []auth.TokenConfig{
		{Name: "ops", Token: "secret", Permissions: []string{auth.PermissionAll}},
	}})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv := newHost(t, api.WithAuth(svc))
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.List(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}

	client.SetAccessToken("secret")
	if _, err := client.List(context.Background()); err != nil {
		t.Fatalf("list with token: %v", err)
	}
}

func TestUpdateDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/base/api/v1/plugins/acme:x/update" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "acme:x:2.0", "changed": true})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/base", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	id, changed, err := client.Update(context.Background(), "acme:x")
	if err != nil || id != "acme:x:2.0" || !changed {
		t.Fatalf("update: %s %v %v", id, changed, err)
	}
}

func TestPlainTextErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.List(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
