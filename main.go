/*
Copyright 2022 The l7mp/stunner team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/l7mp/jsondb/internal/buildinfo"
	"github.com/l7mp/jsondb/internal/logging"
	"github.com/l7mp/jsondb/pkg/config"
	"github.com/l7mp/jsondb/pkg/loader"
	"github.com/l7mp/jsondb/pkg/object"
	"github.com/l7mp/jsondb/pkg/partition"
	"github.com/l7mp/jsondb/pkg/visualize"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

type app struct {
	cfg        *config.Config
	configFile string
	logger     logr.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{cfg: config.Default()}

	rc := &cobra.Command{
		Use:           "jsondbd",
		Short:         "An embedded JSON document store with incrementally maintained Map/Reduce views.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(viper.New(), cmd.Flags(), a.configFile); err != nil {
				return err
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.logger = logging.New(logging.Options{
				Development:     a.cfg.Development,
				DestWriter:      stderr,
				StacktraceLevel: zapcore.Level(3),
				TimeEncoder:     zapcore.RFC3339NanoTimeEncoder,
				Level:           logging.LevelFromVerbosity(a.cfg.LogLevel),
			}).WithName("jsondbd")
			return nil
		},
	}
	rc.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Configuration file to read from.")
	a.cfg.BindFlags(rc.PersistentFlags())

	rc.AddCommand(a.newServeCommand())
	rc.AddCommand(a.newLoadCommand(stdout))
	rc.AddCommand(a.newQueryCommand(stdout))
	rc.AddCommand(a.newGraphCommand(stdout))
	rc.AddCommand(newVersionCommand(stdout))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// open opens the partition and writes the startup definition files.
func (a *app) open(ctx context.Context) (*partition.Partition, error) {
	p, err := partition.New(partition.Options{
		Name:          a.cfg.Partition,
		DataDir:       a.cfg.DataDir,
		ScriptTimeout: a.cfg.ScriptTimeout,
		Logger:        a.logger,
	})
	if err != nil {
		return nil, err
	}

	if len(a.cfg.Definitions) > 0 {
		objs, err := loader.ReadFiles(a.cfg.Definitions...)
		if err != nil {
			p.Close() //nolint:errcheck
			return nil, err
		}
		if _, err := p.UpdateObjects(ctx, objs, partition.Normal); err != nil {
			p.Close() //nolint:errcheck
			return nil, fmt.Errorf("failed to load definitions: %w", err)
		}
	}

	return p, nil
}

func (a *app) newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the partition, keep the views up to date and serve metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := a.logger.WithName("serve")
			log.Info(fmt.Sprintf("starting jsondbd %s", buildinfo.Get().String()))

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			p, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer p.Close() //nolint:errcheck

			p.OnViewUpdated(func(viewType string, state uint64) {
				log.V(2).Info("view updated", "view", viewType, "state", state)
			})

			var srv *http.Server
			if a.cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error(err, "metrics server failed")
						cancel()
					}
				}()
				log.Info("serving metrics", "address", a.cfg.MetricsAddr)
			}

			// bring every view up to date, then refresh lazily on reads
			if err := p.UpdateViews(ctx); err != nil {
				log.Error(err, "failed to update views")
			}

			<-ctx.Done()
			log.Info("shutting down")

			if srv != nil {
				sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer scancel()
				if err := srv.Shutdown(sctx); err != nil {
					log.Error(err, "metrics server shutdown")
				}
			}
			return nil
		},
	}
}

func (a *app) newLoadCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE...",
		Short: "Write the objects of YAML or JSON files into the partition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			objs, err := loader.ReadFiles(args...)
			if err != nil {
				return err
			}

			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close() //nolint:errcheck

			ret, err := p.UpdateObjects(cmd.Context(), objs, partition.Normal)
			for _, obj := range ret {
				fmt.Fprintf(stdout, "%s %s %s\n", object.GetType(obj), object.GetUUID(obj), object.GetVersion(obj))
			}
			return err
		},
	}
}

func (a *app) newQueryCommand(stdout io.Writer) *cobra.Command {
	var property, value string
	cmd := &cobra.Command{
		Use:   "query TYPE",
		Short: "Print the objects of a type, refreshing views first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close() //nolint:errcheck

			var v any
			if property != "" {
				v = value
			}
			objs, err := p.GetObjects(cmd.Context(), property, v, args[0])
			if err != nil {
				return err
			}
			for _, o := range objs {
				fmt.Fprintln(stdout, object.String(o))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "Property to match, e.g., lastName or _sourceUuids.*")
	cmd.Flags().StringVar(&value, "value", "", "Value the property must have.")
	return cmd
}

func (a *app) newGraphCommand(stdout io.Writer) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the view dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			gen, err := visualize.NewGenerator(format)
			if err != nil {
				return err
			}

			p, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer p.Close() //nolint:errcheck

			fmt.Fprint(stdout, gen.Generate(visualize.BuildGraph(p.Name(), p.Views())))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "dot", "Output format: dot or mermaid.")
	return cmd
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(stdout, buildinfo.Get().String())
		},
	}
}
