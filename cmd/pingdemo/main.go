// Command pingdemo is a minimal demonstration of the parallel runtime: the
// master spawns one or more local workers (--workers, default 1) registering
// a single ping method, calls it on each, then shuts the workers down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/parallel/pkg/log"
	"github.com/cuemby/parallel/pkg/metrics"
	"github.com/cuemby/parallel/pkg/parallel"
	"github.com/cuemby/parallel/pkg/registry"
	"github.com/cuemby/parallel/pkg/spawn"
	"github.com/cuemby/parallel/pkg/supervise"
	"github.com/cuemby/parallel/pkg/types"
	"github.com/cuemby/parallel/pkg/wire"
)

var (
	cookie      string
	workers     int
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "pingdemo",
	Short: "Spawn workers and call ping across them",
	Long: `pingdemo spawns one or more local workers of this same binary,
registers a ping RPC method on each, calls it, and shuts them down.

It exercises the full spawn / handshake / RPC / heartbeat / shutdown path
the parallel runtime provides, without needing a real distributed job.`,
	RunE: runMaster,
}

func init() {
	rootCmd.Flags().StringVar(&cookie, "cookie", "pingdemo-cookie", "shared secret workers must present on handshake")
	rootCmd.Flags().IntVar(&workers, "workers", 1, "number of workers to spawn")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve /metrics, /health, /ready, and /live on")
}

func pingFunctions() *registry.Functions {
	f := registry.NewFunctions()
	f.MustRegister(registry.TypedFunction{
		Name:   "ping",
		Decode: func(b []byte) (any, error) { return nil, nil },
		Encode: func(v any) ([]byte, error) { return wire.Marshal(v) },
		Handler: func(ctx context.Context, scope *supervise.Scope, workerState, connState, arg any) (any, error) {
			return fmt.Sprintf("pong from %s", workerState.(string)), nil
		},
	})
	return f
}

func options() parallel.Options {
	return parallel.Options{
		Cookie:          cookie,
		SkipBinaryCheck: false,
		Functions:       pingFunctions(),
		HeartbeatPolicy: types.DefaultHeartbeatPolicy(),
		InitWorkerState: func(ctx context.Context) (any, error) {
			host, _ := os.Hostname()
			return host, nil
		},
		OnConnectionClose: func(connID string, connState any) {
			log.Info("connection " + connID + " torn down")
		},
		OnLateTaskFailure: func(cause error) {
			log.Error("late task failure: " + cause.Error())
		},
	}
}

func runMaster(cmd *cobra.Command, args []string) error {
	rt, err := parallel.StartApp(options())
	if err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}
	defer rt.Shutdown(context.Background())

	metrics.SetVersion("pingdemo-dev")
	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.Error("metrics server stopped: " + err.Error())
		}
	}()
	fmt.Printf("metrics endpoint: http://%s/metrics\n", metricsAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < workers; i++ {
		handle, err := rt.Spawn(ctx, spawn.Spec{Target: types.SpawnTarget{Local: true}})
		if err != nil {
			return fmt.Errorf("spawning worker %d: %w", i, err)
		}
		log.Info(fmt.Sprintf("spawned worker %s at %s", handle.ID, handle.Address))

		result, err := rt.Run(ctx, handle.ID, "ping", nil)
		if err != nil {
			return fmt.Errorf("calling ping on worker %s: %w", handle.ID, err)
		}
		var reply string
		if err := wire.Unmarshal(result, &reply); err != nil {
			return fmt.Errorf("decoding ping reply: %w", err)
		}
		fmt.Printf("worker %s replied: %s\n", handle.ID, reply)
	}

	return nil
}

func main() {
	// A spawned child runs this same main: cobra parses its (empty) flags
	// as usual, then runMaster's call to StartApp detects PARALLEL_ROLE
	// and diverts straight into the worker loop without ever returning.
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(int(types.ExitUncaughtException))
	}
}
