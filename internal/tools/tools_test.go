package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelbot/kestrel/pkg/models"
)

type fakeCaller struct {
	gotName string
	gotArgs map[string]any
	reply   string
	err     error
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) (string, error) {
	f.gotName = name
	f.gotArgs = args
	return f.reply, f.err
}

func localTool(name string, h LocalHandler) *FuncTool {
	return &FuncTool{
		Name:        name,
		Description: name,
		Active:      true,
		Origin:      OriginLocal,
		Handler:     h,
	}
}

func TestManagerAddReplacesByName(t *testing.T) {
	m := NewManager()
	if err := m.Add(localTool("echo", nil)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	replacement := localTool("echo", nil)
	replacement.Description = "second"
	if err := m.Add(replacement); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", m.Len())
	}
	got, ok := m.Get("echo")
	if !ok || got.Description != "second" {
		t.Errorf("Get() = %+v, %v; want the replacement", got, ok)
	}
}

func TestManagerAddRejectsBadSchema(t *testing.T) {
	bad := localTool("broken", nil)
	bad.Parameters = map[string]any{"type": 42}
	if err := NewManager().Add(bad); err == nil {
		t.Error("Add() accepted an invalid parameter schema")
	}

	unnamed := localTool("", nil)
	if err := NewManager().Add(unnamed); err == nil {
		t.Error("Add() accepted a nameless tool")
	}
}

func TestManagerSpecsSkipInactive(t *testing.T) {
	m := NewManager()
	active := localTool("visible", nil)
	active.Parameters = map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string"}},
	}
	if err := m.Add(active); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(localTool("hidden", nil)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !m.SetActive("hidden", false) {
		t.Fatal("SetActive() did not find the tool")
	}

	specs := m.Specs()
	if len(specs) != 1 || specs[0].Name != "visible" {
		t.Fatalf("Specs() = %+v, want only the active tool", specs)
	}

	if m.SetActive("missing", false) {
		t.Error("SetActive() reported success for an unknown tool")
	}
}

func TestManagerSpecsNilWhenEmpty(t *testing.T) {
	m := NewManager()
	if err := m.Add(localTool("hidden", nil)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	m.SetActive("hidden", false)
	if specs := m.Specs(); specs != nil {
		t.Errorf("Specs() = %+v, want nil when nothing is active", specs)
	}
}

func TestManagerRemoveServer(t *testing.T) {
	m := NewManager()
	caller := &fakeCaller{}
	if err := m.Add(NewRemoteTool("mcp:alpha:search", "", nil, "alpha", caller)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(NewRemoteTool("mcp:beta:search", "", nil, "beta", caller)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(localTool("local", nil)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	m.RemoveServer("alpha")
	if _, ok := m.Get("mcp:alpha:search"); ok {
		t.Error("alpha tool survived RemoveServer")
	}
	if _, ok := m.Get("mcp:beta:search"); !ok {
		t.Error("beta tool was purged too")
	}
	if _, ok := m.Get("local"); !ok {
		t.Error("local tool was purged too")
	}
}

func TestRemoteToolName(t *testing.T) {
	tool := NewRemoteTool("mcp:files:read_file", "", nil, "files", nil)
	if got := tool.RemoteToolName(); got != "read_file" {
		t.Errorf("RemoteToolName() = %q, want read_file", got)
	}
}

func TestExecuteLocal(t *testing.T) {
	tool := localTool("greet", func(_ context.Context, _ *models.Event, args map[string]any) (string, error) {
		name, _ := args["name"].(string)
		return "hi " + name, nil
	})

	got, err := tool.Execute(context.Background(), &models.Event{}, map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "hi ada" {
		t.Errorf("Execute() = %q, want %q", got, "hi ada")
	}

	if _, err := localTool("broken", nil).Execute(context.Background(), nil, nil); err == nil {
		t.Error("Execute() without a handler did not fail")
	}
}

func TestExecuteRemote(t *testing.T) {
	caller := &fakeCaller{reply: "ok"}
	tool := NewRemoteTool("mcp:files:read_file", "", nil, "files", caller)

	got, err := tool.Execute(context.Background(), nil, map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("Execute() = %q, want ok", got)
	}
	if caller.gotName != "read_file" {
		t.Errorf("remote call used name %q, want the bare tool name", caller.gotName)
	}
	if caller.gotArgs["path"] != "/tmp/x" {
		t.Errorf("remote call args = %v", caller.gotArgs)
	}

	caller.err = errors.New("server gone")
	if _, err := tool.Execute(context.Background(), nil, nil); err == nil {
		t.Error("Execute() swallowed the remote error")
	}

	detached := NewRemoteTool("mcp:files:read_file", "", nil, "files", nil)
	if _, err := detached.Execute(context.Background(), nil, nil); err == nil {
		t.Error("Execute() without a client did not fail")
	}
}

func TestSpecDefaultsParameters(t *testing.T) {
	spec := localTool("bare", nil).Spec()
	if spec.Parameters["type"] != "object" {
		t.Errorf("default schema = %v, want an empty object schema", spec.Parameters)
	}
}
