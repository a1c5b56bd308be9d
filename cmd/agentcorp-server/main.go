package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	agentrepo "github.com/kazz187/agentcorp/internal/agent/repositoryimpl"
	auditrepo "github.com/kazz187/agentcorp/internal/audit/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/broadcast"
	"github.com/kazz187/agentcorp/internal/config"
	deptrepo "github.com/kazz187/agentcorp/internal/department/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/eventbus"
	"github.com/kazz187/agentcorp/internal/gateway"
	msgrepo "github.com/kazz187/agentcorp/internal/message/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/orchestrator"
	"github.com/kazz187/agentcorp/internal/planner"
	"github.com/kazz187/agentcorp/internal/pushnotification"
	pushsubrepo "github.com/kazz187/agentcorp/internal/pushsubscription/repositoryimpl"
	reviewrepo "github.com/kazz187/agentcorp/internal/review/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/scheduler"
	"github.com/kazz187/agentcorp/internal/store"
	"github.com/kazz187/agentcorp/internal/supervisor"
	"github.com/kazz187/agentcorp/internal/task"
	taskrepo "github.com/kazz187/agentcorp/internal/task/repositoryimpl"
	tasklogrepo "github.com/kazz187/agentcorp/internal/tasklog/repositoryimpl"
	"github.com/kazz187/agentcorp/internal/topology"
	"github.com/kazz187/agentcorp/internal/watchdog"
	"github.com/kazz187/agentcorp/internal/worktree"
	"github.com/kazz187/agentcorp/pkg/clog"
	"github.com/kazz187/agentcorp/pkg/storage"

	server "github.com/kazz187/agentcorp/internal"
)

var (
	app = kingpin.New("agentcorp-server", "Simulated software company backed by CLI coding agents")

	runCmd      = app.Command("run", "Run the server")
	sentinelCmd = app.Command("sentinel", "Run the server under the sentinel supervisor")
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		run()
	case sentinelCmd.FullCommand():
		runSentinel()
	}
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	s, err := store.New(env.DBPath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	var archive storage.Storage
	switch env.ArchiveType {
	case "s3":
		archive, err = storage.NewS3Storage(context.Background(), env.S3Bucket, env.S3Prefix, env.S3Region)
	default:
		archive, err = storage.NewLocalStorage(env.ArchiveBaseDir)
	}
	if err != nil {
		slog.Error("failed to create archive storage", "error", err)
		os.Exit(1)
	}

	taskRepo := taskrepo.NewSQLiteRepository(s)
	agentRepo := agentrepo.NewSQLiteRepository(s)
	deptRepo := deptrepo.NewSQLiteRepository(s)
	msgRepo := msgrepo.NewSQLiteRepository(s)
	taskLogRepo := tasklogrepo.NewSQLiteRepository(s)
	auditRepo := auditrepo.NewSQLiteRepository(s)
	reviewRepo := reviewrepo.NewSQLiteRepository(s)
	pushSubRepo := pushsubrepo.NewSQLiteRepository(s)
	state := task.NewStateMachine(taskRepo)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	def, err := topology.Load(env.TopologyPath)
	if err != nil {
		slog.Error("failed to load department topology", "error", err)
		os.Exit(1)
	}
	if err := topology.Seed(ctx, def, deptRepo, agentRepo); err != nil {
		slog.Error("failed to seed department topology", "error", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	pushSender := pushnotification.NewSender(&env.VAPIDEnv, pushSubRepo)
	bc := broadcast.NewFanout(bus, pushSender)

	sched := scheduler.New()
	defer sched.Shutdown()

	worktrees, err := worktree.NewManager(env.WorktreeRoot)
	if err != nil {
		slog.Error("failed to create worktree manager", "error", err)
		os.Exit(1)
	}
	if env.DefaultProjectRoot != "" && env.DefaultProjectRoot != "." {
		if bindings, err := worktrees.Rebuild(ctx, env.DefaultProjectRoot); err != nil {
			slog.Warn("failed to rebuild worktree bindings", "error", err)
		} else if len(bindings) > 0 {
			slog.Info("recovered worktree bindings", "count", len(bindings))
		}
	}

	sup := supervisor.New(&env.SupervisorEnv, worktrees, state, taskRepo, agentRepo, taskLogRepo, reviewRepo, archive, bc)
	plan := planner.NewClaudePlanner()
	orch := orchestrator.New(&env.CompanyEnv, &env.SchedulerEnv, sched, state, taskRepo, agentRepo, deptRepo, msgRepo, taskLogRepo, sup, plan, bc)
	gw := gateway.New(s, msgRepo, auditRepo, bc)
	wd := watchdog.New(&env.WatchdogEnv, taskRepo, agentRepo, taskLogRepo, reviewRepo, state, sup, orch, bc)

	srv := server.NewServer(env, gw, orch, sup, worktrees, taskRepo, taskLogRepo, pushSubRepo)

	go wd.Run(ctx)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	sup.Shutdown(shutdownCtx)
}
