// Command rush is the CLI entrypoint over the command/handler plane
// (§4.10) and shared bootstrap (§4.11). It dispatches the commands listed
// in spec.md §6; the interactive shell that normally hosts them (themes,
// i18n, history, key bindings) is an external collaborator out of core
// scope and is stubbed here with a one-line notice, following the
// teacher's cmd/hostapp/main.go dispatch-by-os.Args[1] style.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rushsync/rush/internal/app"
	"github.com/rushsync/rush/internal/config"
	"github.com/rushsync/rush/internal/rlog"
)

const rushVersion = "0.1.0"

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "version":
		fmt.Println("rush", rushVersion)
		return
	case "theme", "lang", "log-level", "performance", "exit", "restart":
		fmt.Printf("%q is handled by the interactive shell, not this binary\n", cmd)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	log := rlog.New(os.Getenv("RUSH_LOG_LEVEL"))
	defer log.Sync()

	a, err := app.New(cfg, ".", log)
	if err != nil {
		fatal("bootstrap: %v", err)
	}

	switch cmd {
	case "serve":
		runServe(a)
	case "create":
		runCreate(a, args)
	case "start":
		runStart(a, args)
	case "stop":
		runStop(a, args)
	case "list":
		runList(a)
	case "cleanup":
		runCleanup(a, args)
	case "recover":
		runRecover(a, args)
	default:
		fatal("unknown command: %s", cmd)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func waitForSignal(a *app.App) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Shutdown(sctx)
}

// runServe brings up the full bootstrap (proxy, ACME, analytics,
// restored auto_start servers) and blocks until SIGINT/SIGTERM.
func runServe(a *app.App) {
	if err := a.Start(context.Background()); err != nil {
		fatal("start: %v", err)
	}
	fmt.Println("rush is serving; press Ctrl-C to stop")
	waitForSignal(a)
}

func runCreate(a *app.App, args []string) {
	if len(args) < 1 {
		fatal("usage: rush create <name> [port]")
	}
	if _, err := a.LoadState(); err != nil {
		fatal("%v", err)
	}
	name := args[0]
	port := 0
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			fatal("invalid port %q", args[1])
		}
		port = p
	}
	info, err := a.CreateServer(name, port)
	if err != nil {
		fatal("create: %v", err)
	}
	fmt.Printf("created %s id=%s port=%d\n", info.Name, info.ID, info.Port)
}

// runStart boots the full network stack (so the subdomain is actually
// reachable through the proxy) then starts the requested selector and
// blocks until SIGINT/SIGTERM, same as serve.
func runStart(a *app.App, args []string) {
	if len(args) < 1 {
		fatal("usage: rush start <id|name|index|N-M|all>")
	}
	if err := a.Start(context.Background()); err != nil {
		fatal("start: %v", err)
	}
	results, err := a.StartBulk(args[0])
	if err != nil {
		fatal("start: %v", err)
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%s: FAILED: %v\n", r.Info.Name, r.Err)
		} else {
			fmt.Printf("%s: started on port %d\n", r.Info.Name, r.Info.Port)
		}
	}
	fmt.Println("rush is serving; press Ctrl-C to stop")
	waitForSignal(a)
}

func runStop(a *app.App, args []string) {
	if len(args) < 1 {
		fatal("usage: rush stop <id|name>")
	}
	if _, err := a.LoadState(); err != nil {
		fatal("%v", err)
	}
	if err := a.StopServer(args[0]); err != nil {
		fatal("stop: %v", err)
	}
	fmt.Println("stopped", args[0])
}

func runList(a *app.App) {
	if _, err := a.LoadState(); err != nil {
		fatal("%v", err)
	}
	list, err := a.ListServers()
	if err != nil {
		fatal("%v", err)
	}
	for i, s := range list {
		fmt.Printf("%d\t%s\t%s\t%d\t%s\n", i+1, s.Name, s.ID[:8], s.Port, s.Status)
	}
}

func runCleanup(a *app.App, args []string) {
	if len(args) < 1 {
		fatal("usage: rush cleanup <stopped|failed|logs|all>")
	}
	if _, err := a.LoadState(); err != nil {
		fatal("%v", err)
	}
	n, err := a.Cleanup(strings.ToLower(args[0]))
	if err != nil {
		fatal("cleanup: %v", err)
	}
	fmt.Printf("removed %d\n", n)
}

func runRecover(a *app.App, args []string) {
	sel := "all"
	if len(args) > 0 {
		sel = args[0]
	}
	if _, err := a.LoadState(); err != nil {
		fatal("%v", err)
	}
	results, err := a.Recover(sel)
	if err != nil {
		fatal("recover: %v", err)
	}
	for _, r := range results {
		if r.Changed {
			fmt.Printf("%s: %s -> %s\n", r.Info.Name, r.OldStatus, r.NewStatus)
		} else {
			fmt.Printf("%s: unchanged (%s)\n", r.Info.Name, r.NewStatus)
		}
	}
}
