package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/camden-git/mediapipeline/database"
	"github.com/camden-git/mediapipeline/handlers"
	"github.com/camden-git/mediapipeline/pipeline"
	"github.com/camden-git/mediapipeline/scanner"
	"github.com/camden-git/mediapipeline/workers"
)

// overrideFlags binds the per-call dispatcher overrides to a command.
type overrideFlags struct {
	mode    string
	dryRun  bool
	verbose bool
}

func (o *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.mode, "mode", "", "Pipeline mode for this run (queued, sync, disabled)")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Log what would be dispatched without submitting")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Log every dispatch decision")
}

func (o *overrideFlags) overrides(cmd *cobra.Command) (pipeline.Overrides, error) {
	var out pipeline.Overrides
	if cmd.Flags().Changed("mode") {
		mode, err := pipeline.ParseMode(o.mode)
		if err != nil {
			return out, err
		}
		out.Mode = &mode
	}
	if cmd.Flags().Changed("dry-run") {
		out.DryRun = &o.dryRun
	}
	if cmd.Flags().Changed("verbose") {
		out.Verbose = &o.verbose
	}
	return out, nil
}

func newServeCommand() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the submission and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if withWorkers {
					stop, err := startWorkers(ctx, a, nil)
					if err != nil {
						return err
					}
					defer stop()
				}

				router := handlers.NewRouter(handlers.RouterDeps{
					Jobs:           handlers.NewJobHandler(a.submitter, a.logger),
					Admin:          handlers.NewAdminHandler(a.db, a.dispatcher, a.ledger, a.queue, a.identities, a.logger),
					Metrics:        a.metrics,
					AllowedOrigins: a.cfg.CORSOrigins,
					Logger:         a.logger,
				})
				server := &http.Server{
					Addr:         a.cfg.HTTPAddr,
					Handler:      router,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 70 * time.Second,
					IdleTimeout:  120 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() {
					a.logger.Info("server listening", zap.String("addr", a.cfg.HTTPAddr))
					errCh <- server.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				a.logger.Info("shutting down server")
				return server.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "Also run the worker pool and maintenance in this process")
	return cmd
}

// startWorkers launches the pool and the maintenance scheduler and returns
// a function stopping both.
func startWorkers(ctx context.Context, a *app, queues []string) (func(), error) {
	pool := workers.NewPool(a.cfg, a.queue, a.runner, queues, a.logger)
	maintenance := workers.NewMaintenance(a.cfg, a.ledger, a.queue, a.logger)
	if err := maintenance.Start(); err != nil {
		return nil, err
	}
	pool.Start(ctx)
	return func() {
		pool.Stop()
		maintenance.Stop()
	}, nil
}

func newWorkCommand() *cobra.Command {
	var queues []string
	var drain bool
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Process queued stage jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if drain {
					pool := workers.NewPool(a.cfg, a.queue, a.runner, queues, a.logger)
					n, err := pool.Drain(ctx)
					fmt.Fprintf(cmd.OutOrStdout(), "Processed %d jobs\n", n)
					return err
				}
				stop, err := startWorkers(ctx, a, queues)
				if err != nil {
					return err
				}
				<-ctx.Done()
				stop()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&queues, "queues", nil, "Queues to consume (default: every stage queue)")
	cmd.Flags().BoolVar(&drain, "drain", false, "Process jobs until the queues are empty, then exit")
	return cmd
}

func newScanCommand() *cobra.Command {
	var flags overrideFlags
	cmd := &cobra.Command{
		Use:   "scan [disk] [dir]",
		Short: "Discover new files on a disk and submit them",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := flags.overrides(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				disk, dir := a.cfg.SourceDisk, ""
				if len(args) > 0 {
					disk = args[0]
				}
				if len(args) > 1 {
					dir = args[1]
				}
				s := scanner.New(a.disks, a.images, a.dispatcher.Apply(overrides), a.logger)
				res, err := s.Scan(ctx, disk, dir)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newDispatchCommand() *cobra.Command {
	var flags overrideFlags
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatch [image-id...]",
		Short: "Dispatch every stage for images",
		Long:  "Dispatch every stage for the given images, or for images in the given statuses when no ids are passed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := flags.overrides(cmd)
			if err != nil {
				return err
			}
			ids := make([]uint, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseUint(arg, 10, 64)
				if err != nil || id == 0 {
					return fmt.Errorf("invalid image id %q", arg)
				}
				ids = append(ids, uint(id))
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				d := a.dispatcher.Apply(overrides)
				out := make(map[uint]map[pipeline.Stage]pipeline.Status)
				if len(ids) == 0 {
					images, err := a.images.ListByStatus(ctx, statuses, limit)
					if err != nil {
						return err
					}
					for i := range images {
						out[images[i].ID] = d.DispatchAll(ctx, &images[i])
					}
					return printJSON(cmd.OutOrStdout(), out)
				}
				for _, id := range ids {
					img, err := a.images.GetByID(ctx, id)
					if err != nil {
						return fmt.Errorf("image %d: %w", id, err)
					}
					out[id] = d.DispatchAll(ctx, img)
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringSliceVar(&statuses, "status", []string{database.ImageStatusProcess, database.ImageStatusRecheck}, "Image statuses to dispatch when no ids are given")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of images to dispatch (0 = all)")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release stale reservations and reconcile the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := workers.NewMaintenance(a.cfg, a.ledger, a.queue, a.logger).RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
}

func newRecomputeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recompute [person-id]",
		Short: "Recompute identity centroids",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 0 {
					results, err := a.identities.RecomputeAll(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), results)
				}
				id, err := strconv.ParseUint(strings.TrimSpace(args[0]), 10, 64)
				if err != nil || id == 0 {
					return fmt.Errorf("invalid person id %q", args[0])
				}
				res, err := a.identities.RecomputeCentroid(ctx, uint(id))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}
