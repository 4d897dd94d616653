package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/danmuck/rayctl/internal/config"
	"github.com/danmuck/rayctl/internal/master"
	"github.com/danmuck/rayctl/internal/observability"
	"github.com/danmuck/rayctl/internal/scene"
	"github.com/danmuck/rayctl/internal/storage"
	"github.com/danmuck/rayctl/internal/trace/flatscene"
)

func main() {
	app := cli.NewApp()
	app.Name = "masterctl"
	app.Usage = "coordinate a distributed path-tracing job"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "scene, s", Usage: "path to the scene dump directory"},
		cli.UintFlag{Name: "port, p", Usage: "port to listen on", Value: 50000},
		cli.StringFlag{Name: "ip, i", Usage: "public ip of this machine"},
		cli.StringFlag{Name: "storage-backend, b", Usage: "storage backend URI"},
		cli.UintFlag{Name: "workers, l", Usage: "how many workers to run"},
		cli.StringFlag{Name: "aws-region, r", Usage: "region to run workers in", Value: "us-west-2"},
		cli.StringFlag{Name: "assignment, a", Usage: "treelet assignment policy: static | uniform", Value: "uniform"},
		cli.BoolFlag{Name: "treelet-stats, t", Usage: "show treelet use stats"},
		cli.BoolFlag{Name: "worker-stats, w", Usage: "show worker use stats"},
		cli.BoolFlag{Name: "diagnostics, d", Usage: "collect & display diagnostics"},
		cli.BoolFlag{Name: "complete", Usage: "eagerly build a complete topology"},
		cli.StringFlag{Name: "out, o", Usage: "output film path", Value: "output.png"},
		cli.StringFlag{Name: "admin-addr", Usage: "HTTP status surface address (disabled when empty)"},
		cli.StringFlag{Name: "config", Usage: "runtime tunables TOML"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := observability.InitLogger("masterctl")

	scenePath := c.String("scene")
	publicIP := c.String("ip")
	backendURI := c.String("storage-backend")
	region := c.String("aws-region")
	if scenePath == "" || publicIP == "" || backendURI == "" || region == "" ||
		c.Uint("port") == 0 || !c.IsSet("workers") {
		cli.ShowAppHelp(c)
		return cli.NewExitError("masterctl: missing required flags", 2)
	}

	policy, err := master.ParseAssignment(c.String("assignment"))
	if err != nil {
		cli.ShowAppHelp(c)
		return cli.NewExitError(err.Error(), 2)
	}

	tunables, err := config.Load(c.String("config"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	// Workers fetch from the shared backend; the master reads the
	// scene dump through the same interface, rooted at the local dump.
	if _, err := storage.Open(backendURI, region); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	sceneStore, err := storage.Open("file://"+scenePath, region)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	ctxRead := context.Background()
	manifestData, err := sceneStore.Read(ctxRead, scene.ObjectKey{Kind: scene.KindManifest}.StorageKey())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	manifest, err := scene.ParseManifest(manifestData)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	inventory, err := scene.BuildInventory(manifest)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	sceneData, err := sceneStore.Read(ctxRead, scene.ObjectKey{Kind: scene.KindScene}.StorageKey())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	sceneDoc, err := flatscene.Parse(sceneData)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	m, err := master.New(master.Config{
		ListenPort:         uint16(c.Uint("port")),
		PublicIP:           publicIP,
		NumWorkers:         uint32(c.Uint("workers")),
		Inventory:          inventory,
		Sampler:            flatscene.NewKernel(sceneDoc),
		Policy:             policy,
		TreeletStats:       c.Bool("treelet-stats"),
		WorkerStats:        c.Bool("worker-stats"),
		CollectDiagnostics: c.Bool("diagnostics"),
		CompleteTopology:   c.Bool("complete"),
		OutputPath:         c.String("out"),
		AdminAddr:          c.String("admin-addr"),
		Tunables:           tunables,
		Logger:             logger,
	})
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("job failed")
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Info().Msg("job complete")
	return nil
}
