package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli"

	"github.com/danmuck/rayctl/internal/config"
	"github.com/danmuck/rayctl/internal/observability"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/trace"
	"github.com/danmuck/rayctl/internal/trace/flatscene"
	"github.com/danmuck/rayctl/internal/worker"
)

// logStreamEnv names the hosting platform's log stream; forwarded to
// the master in the initial Hey when present.
const logStreamEnv = "RAYCTL_LOG_STREAM_NAME"

func main() {
	app := cli.NewApp()
	app.Name = "workerctl"
	app.Usage = "trace rays for a distributed path-tracing job"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "ip, i", Usage: "ip of coordinator"},
		cli.UintFlag{Name: "port, p", Usage: "port of coordinator", Value: 50000},
		cli.StringFlag{Name: "storage-backend, s", Usage: "storage backend URI"},
		cli.StringFlag{Name: "aws-region, r", Usage: "storage region", Value: "us-west-2"},
		cli.BoolFlag{Name: "reliable-udp, R", Usage: "send ray packets reliably"},
		cli.StringFlag{Name: "config", Usage: "runtime tunables TOML"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ip := c.String("ip")
	backendURI := c.String("storage-backend")
	if ip == "" || backendURI == "" || c.Uint("port") == 0 {
		cli.ShowAppHelp(c)
		return cli.NewExitError("workerctl: missing required flags", 2)
	}

	tunables, err := config.Load(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	workDir, err := os.MkdirTemp("", "rayctl-worker-*")
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	logFile, err := os.Create(filepath.Join(workDir, "worker.log"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer logFile.Close()
	logger := observability.InitFileLogger("workerctl", logFile)

	w, err := worker.New(worker.Config{
		CoordinatorAddr: fmt.Sprintf("%s:%d", ip, c.Uint("port")),
		BackendURI:      backendURI,
		Region:          c.String("aws-region"),
		WorkDir:         workDir,
		SendReliably:    c.Bool("reliable-udp"),
		LogStream:       os.Getenv(logStreamEnv),
		Loader:          loadFlatsceneKernel,
		Tunables:        tunables,
		Logger:          logger,
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker failed")
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func loadFlatsceneKernel(dir string) (trace.Kernel, error) {
	data, err := os.ReadFile(filepath.Join(dir, scene.ObjectKey{Kind: scene.KindScene}.StorageKey()))
	if err != nil {
		return nil, err
	}
	doc, err := flatscene.Parse(data)
	if err != nil {
		return nil, err
	}
	return flatscene.NewKernel(doc), nil
}
