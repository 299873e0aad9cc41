package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelbot/kestrel/internal/plugins"
	"github.com/kestrelbot/kestrel/pkg/models"
)

func registerPlugin(t *testing.T, deps *Deps, p *plugins.Plugin) {
	t.Helper()
	if err := deps.Registry.RegisterPlugin(p); err != nil {
		t.Fatalf("RegisterPlugin(%s) error = %v", p.Name, err)
	}
}

func TestGateActivatesMatchingHandlers(t *testing.T) {
	deps := testDeps(t, nil)
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "echo",
		Activated: true,
		Handlers: []*plugins.Handler{
			{
				FullName: "echo.echo",
				Kind:     plugins.KindMessage,
				Filters:  []plugins.Filter{plugins.CommandFilter{Name: "echo"}},
				Fn:       func(context.Context, *models.Event, map[string]any) error { return nil },
			},
			{
				FullName: "echo.other",
				Kind:     plugins.KindMessage,
				Filters:  []plugins.Filter{plugins.CommandFilter{Name: "other"}},
				Fn:       func(context.Context, *models.Event, map[string]any) error { return nil },
			},
		},
	})
	st := &GateStage{}
	initStage(t, st, deps)

	ev, _ := friendEvent("echo hello world")
	ev.IsWake = true
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(ev.Extras.ActivatedHandlers) != 1 {
		t.Fatalf("activated = %v, want only echo.echo", ev.Extras.ActivatedHandlers)
	}
	ah := ev.Extras.ActivatedHandlers[0]
	if ah.FullName != "echo.echo" {
		t.Errorf("FullName = %q, want echo.echo", ah.FullName)
	}
	args, _ := ah.Params["args"].([]string)
	if len(args) != 2 || args[0] != "hello" {
		t.Errorf("args = %v, want [hello world]", args)
	}
}

func TestGatePermissionNoticeOnce(t *testing.T) {
	deps := testDeps(t, nil)
	adminHandler := func(name string) *plugins.Handler {
		return &plugins.Handler{
			FullName: name,
			Kind:     plugins.KindMessage,
			Filters:  []plugins.Filter{plugins.WakeFilter{}, plugins.PermissionFilter{}},
			Fn:       func(context.Context, *models.Event, map[string]any) error { return nil },
		}
	}
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "admin",
		Activated: true,
		Handlers:  []*plugins.Handler{adminHandler("admin.reload"), adminHandler("admin.stop")},
	})
	st := &GateStage{}
	initStage(t, st, deps)

	ev, r := friendEvent("reload")
	ev.IsWake = true
	ev.Sender.Role = models.RoleMember
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(ev.Extras.ActivatedHandlers) != 0 {
		t.Fatalf("activated = %v, want none", ev.Extras.ActivatedHandlers)
	}
	if got := r.sentTexts(); len(got) != 1 || got[0] != noPermissionNotice {
		t.Fatalf("sent = %v, want one permission notice", got)
	}
}

func TestGateAdminPassesPermissionFilter(t *testing.T) {
	deps := testDeps(t, nil)
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "admin",
		Activated: true,
		Handlers: []*plugins.Handler{{
			FullName: "admin.reload",
			Kind:     plugins.KindMessage,
			Filters:  []plugins.Filter{plugins.PermissionFilter{}},
			Fn:       func(context.Context, *models.Event, map[string]any) error { return nil },
		}},
	})
	st := &GateStage{}
	initStage(t, st, deps)

	ev, r := friendEvent("reload")
	ev.IsWake = true
	ev.Sender.Role = models.RoleAdmin
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(ev.Extras.ActivatedHandlers) != 1 {
		t.Fatalf("activated = %v, want admin.reload", ev.Extras.ActivatedHandlers)
	}
	if len(r.sent) != 0 {
		t.Fatalf("sent = %v, want none", r.sent)
	}
}

func TestCompatMarksDisabledHandlers(t *testing.T) {
	deps := testDeps(t, nil)
	p := &plugins.Plugin{
		Name:      "dice",
		Activated: true,
		Handlers: []*plugins.Handler{{
			FullName: "dice.roll",
			Kind:     plugins.KindMessage,
			Filters:  []plugins.Filter{plugins.CommandFilter{Name: "roll"}},
			Fn:       func(context.Context, *models.Event, map[string]any) error { return nil },
		}},
	}
	p.SetPlatformEnable(map[string]bool{"telegram": false})
	registerPlugin(t, deps, p)

	compat := &CompatStage{}
	gate := &GateStage{}
	initStage(t, compat, deps)
	initStage(t, gate, deps)

	ev, _ := friendEvent("roll")
	ev.IsWake = true
	if _, err := compat.Process(context.Background(), ev); err != nil {
		t.Fatalf("compat Process() error = %v", err)
	}
	if !ev.Extras.IncompatibleHandlers["dice.roll"] {
		t.Fatal("disabled handler was not marked incompatible")
	}
	if _, err := gate.Process(context.Background(), ev); err != nil {
		t.Fatalf("gate Process() error = %v", err)
	}
	if len(ev.Extras.ActivatedHandlers) != 0 {
		t.Fatalf("activated = %v, want none", ev.Extras.ActivatedHandlers)
	}
}

func TestProcessRunsActivatedHandlers(t *testing.T) {
	deps := testDeps(t, nil)
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "echo",
		Activated: true,
		Handlers: []*plugins.Handler{{
			FullName: "echo.echo",
			Kind:     plugins.KindMessage,
			Fn: func(_ context.Context, ev *models.Event, params map[string]any) error {
				ev.SetResult(models.NewResult(models.TextChain("echoed")))
				return nil
			},
		}},
	})
	st := &ProcessStage{}
	initStage(t, st, deps)

	ev, _ := friendEvent("echo hi")
	ev.IsWake = true
	ev.Extras.ActivatedHandlers = []models.ActivatedHandler{{FullName: "echo.echo"}}
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	res := ev.Result()
	if res == nil || res.Chain.PlainText() != "echoed" {
		t.Fatalf("result = %+v, want echoed", res)
	}
}

func TestProcessHandlerErrorSetsNotice(t *testing.T) {
	deps := testDeps(t, nil)
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "bad",
		Activated: true,
		Handlers: []*plugins.Handler{{
			FullName: "bad.fail",
			Kind:     plugins.KindMessage,
			Fn: func(context.Context, *models.Event, map[string]any) error {
				return errors.New("boom")
			},
		}},
	})
	st := &ProcessStage{}
	initStage(t, st, deps)

	ev, _ := friendEvent("fail")
	ev.IsWake = true
	ev.Extras.ActivatedHandlers = []models.ActivatedHandler{{FullName: "bad.fail"}}
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	res := ev.Result()
	if res == nil || res.Chain.PlainText() != handlerFailureNotice {
		t.Fatalf("result = %+v, want the failure notice", res)
	}
}

func TestProcessFirstResultWins(t *testing.T) {
	deps := testDeps(t, nil)
	makeHandler := func(name, text string) *plugins.Handler {
		return &plugins.Handler{
			FullName: name,
			Kind:     plugins.KindMessage,
			Fn: func(_ context.Context, ev *models.Event, _ map[string]any) error {
				ev.SetResult(models.NewResult(models.TextChain(text)))
				return nil
			},
		}
	}
	registerPlugin(t, deps, &plugins.Plugin{
		Name:      "multi",
		Activated: true,
		Handlers:  []*plugins.Handler{makeHandler("multi.a", "first"), makeHandler("multi.b", "second")},
	})
	st := &ProcessStage{}
	initStage(t, st, deps)

	ev, _ := friendEvent("go")
	ev.IsWake = true
	ev.Extras.ActivatedHandlers = []models.ActivatedHandler{
		{FullName: "multi.a"}, {FullName: "multi.b"},
	}
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	res := ev.Result()
	if res == nil || res.Chain.PlainText() != "first" {
		t.Fatalf("result = %+v, want the first handler's reply kept", res)
	}
}

func TestProcessSkipsAsleepEvent(t *testing.T) {
	deps := testDeps(t, nil)
	fp := &fakeProvider{}
	deps.Providers.Register(fp)
	st := &ProcessStage{}
	initStage(t, st, deps)

	ev, _ := friendEvent("not addressed")
	ev.IsWake = false
	if _, err := st.Process(context.Background(), ev); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if fp.calls != 0 {
		t.Fatalf("provider called %d times for an asleep event", fp.calls)
	}
}
