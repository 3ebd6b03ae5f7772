package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"geoalign/internal/pipeline"
	"geoalign/internal/storage"
	"geoalign/internal/tasks"
	"geoalign/internal/translate"

	"github.com/spf13/cobra"
)

const skipInit = "skip-init"

// NewRootCmd creates the root Cobra command.
func NewRootCmd(root *Root) *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "geoalign",
		Short: "Georeference rasters by aligning them onto reference images",
		Long: `geoalign registers every source GeoTIFF onto the target GeoTIFF of the same
name and writes the affine coefficients of each pair to image_translations.csv.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipInit] == "true" {
				return nil
			}
			return root.init(cmd.Context(), cfgPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: $GEOALIGN_CONFIG or ~/.config/geoalign/config.yaml)")

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newCheckCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addLayoutFlags(cmd *cobra.Command, f *layoutFlags) {
	cmd.Flags().StringVar(&f.source, "source", "", "source_images directory (default from config)")
	cmd.Flags().StringVar(&f.target, "target", "", "target_images directory (default from config)")
	cmd.Flags().StringVar(&f.ports, "ports", "", "ports document (default from config)")
	cmd.Flags().StringToStringVar(&f.set, "set", nil, "override a port value, e.g. --set n_iter=500")
}

func newRunCmd(root *Root) *cobra.Command {
	var f layoutFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute the translation table for the configured batch",
		Long: `Resolve every source image against the target image of the same name,
register matched pairs and write image_translations.csv. Any fatal error
aborts the batch without writing the table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := root.request(pipeline.NewID("run"), f)
			if err != nil {
				return err
			}
			ev, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{ID: req.RunID, Type: pipeline.JobTranslate, Request: req})
			if err != nil {
				return err
			}
			if sum := ev.Summary; sum != nil {
				root.log.Info("translation table written", "path", sum.OutputPath, "rows", sum.Rows, "matched", sum.Matched, "unmatched", sum.Unmatched)
			}
			root.printf("%s\n", SuccessMessage)
			return nil
		},
	}
	addLayoutFlags(cmd, &f)
	cmd.Flags().StringVar(&f.output, "output", "", "result table path (default from config)")
	return cmd
}

func newCheckCmd(root *Root) *cobra.Command {
	var f layoutFlags

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate source/target pairs without registering them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := root.request(pipeline.NewID("check"), f)
			if err != nil {
				return err
			}
			ev, err := root.enqueueAndWait(cmd.Context(), pipeline.Job{ID: req.RunID, Type: pipeline.JobCheck, Request: req})
			if err != nil {
				return err
			}
			rejected := 0
			for _, rep := range ev.Reports {
				detail := rep.Target
				if rep.Status == tasks.PairRejected {
					rejected++
					detail = rep.Error
				}
				root.printf("%-32s %-9s %s\n", rep.TifName, rep.Status, detail)
			}
			if rejected > 0 {
				return fmt.Errorf("%d of %d pairs failed validation", rejected, len(ev.Reports))
			}
			return nil
		},
	}
	addLayoutFlags(cmd, &f)
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API over HTTP and gRPC",
		Long: `Start the HTTP API (runs, results, SSE and websocket progress) and the
geoalign.v1.Translations gRPC service. Submitted runs share one queue.

Examples:
  geoalign serve
  geoalign serve --http :8081 --grpc ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("http") {
				httpAddr = root.cfg.Server.HTTPAddr
			}
			if !cmd.Flags().Changed("grpc") {
				grpcAddr = root.cfg.Server.GRPCAddr
			}
			root.log.Info("starting server",
				"http_addr", httpAddr,
				"grpc_addr", grpcAddr,
				"endpoints", []string{"/healthz", "/runs", "/runs/{id}", "/runs/{id}/results", "/runs/{id}/results.csv", "/stream", "/ws"},
			)
			return root.serveFn(cmd.Context(), root, httpAddr, grpcAddr)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address, empty to disable (default from config)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		f        layoutFlags
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rerun the batch whenever its inputs change",
		Long: `Watch both input directories and the ports document. After changes to
.tif or .zip files or to the ports document settle, a fresh run is queued.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("debounce") {
				debounce = root.cfg.Watch.Debounce
			}
			base, err := root.request("", f)
			if err != nil {
				return err
			}
			return root.watch(cmd.Context(), f, base, debounce)
		},
	}
	addLayoutFlags(cmd, &f)
	cmd.Flags().StringVar(&f.output, "output", "", "result table path (default from config)")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet period before a run is queued (default from config)")
	return cmd
}

func (r *Root) watch(ctx context.Context, f layoutFlags, base tasks.Request, debounce time.Duration) error {
	dirs := uniq([]string{base.SourceDir, base.TargetDir, filepath.Dir(base.PortsFile)})
	w, err := tasks.NewFileSystemWatcher(dirs, tasks.InputFilter(base.PortsFile), r.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	defer w.Stop()

	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			if ev.Done() {
				r.log.Info("watched run finished", "id", ev.RunID, "status", ev.Type, "error", ev.Error)
			}
		}
	}()

	r.log.Info("watching inputs", "dirs", dirs, "debounce", debounce)
	tasks.Debounce(ctx, w.Events, debounce, func(batch []tasks.FileSystemEvent) {
		req, err := r.request(pipeline.NewID("run"), f)
		if err != nil {
			r.log.Error("cannot queue run", "error", err)
			return
		}
		r.log.Info("inputs changed", "events", len(batch), "first", batch[0].Path)
		if err := r.enqueue(ctx, pipeline.Job{ID: req.RunID, Type: pipeline.JobTranslate, Request: req}); err != nil {
			r.log.Error("cannot queue run", "error", err)
		}
	})
	return nil
}

func uniq(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := paths[:0]
	for _, p := range paths {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show one run with its result rows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("run ledger is disabled")
			}
			if len(args) == 1 {
				return root.showRun(args[0])
			}
			recs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				root.printf("%-28s %-8s rows=%-4d matched=%-4d %s\n",
					rec.ID, rec.Status, rec.Rows, rec.Matched, rec.CreatedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func (r *Root) showRun(id string) error {
	rec, err := r.store.Run(id)
	if err != nil {
		return err
	}
	r.printf("Run:     %s\n", rec.ID)
	r.printf("Status:  %s\n", rec.Status)
	r.printf("Source:  %s\n", rec.SourceDir)
	r.printf("Target:  %s\n", rec.TargetDir)
	r.printf("Output:  %s\n", rec.OutputPath)
	if rec.Error != "" {
		r.printf("Error:   %s\n", rec.Error)
	}
	rows, err := r.store.RunRows(id)
	if err != nil {
		return err
	}
	table := tasks.TableFromRows(rows)
	if len(table) == 0 {
		if rec.Status != storage.StatusSuccess {
			return nil
		}
		// rows were not stored; read the written table
		if table, err = readTable(rec.OutputPath); err != nil {
			return err
		}
	}
	r.printf("\n")
	var b strings.Builder
	if err := table.WriteCSV(&b); err != nil {
		return err
	}
	r.printf("%s", b.String())
	return nil
}

func readTable(path string) (translate.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("no stored rows and the result table is unreadable: %w", err)
	}
	defer f.Close()
	return translate.ReadCSV(f)
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}

	showCmd := &cobra.Command{
		Use:         "show",
		Short:       "Show current configuration",
		Annotations: map[string]string{skipInit: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow(cmd)
		},
	}

	validateCmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate configuration",
		Annotations: map[string]string{skipInit: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := root.loadConfig(cmd); err != nil {
				return err
			}
			root.printf("Configuration is valid\n")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Show version information",
		Annotations: map[string]string{skipInit: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}
