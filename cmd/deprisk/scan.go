package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/profiler"
)

type scanOptions struct {
	manifestPath string
	ecosystem    string
	input        string
	output       string
	noCache      bool
	compact      bool
}

func newScanCmd(a *app) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Score the dependencies of one manifest",
		Long: `Reads a JSON array of dependency metadata (the parser output for one
manifest), aggregates vulnerabilities for each dependency and prints the
project risk profile as JSON.`,
		Example: "  deprisk scan --manifest-path package.json --ecosystem nodejs --input deps.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, a, opts)
		},
	}
	cmd.Flags().StringVar(&opts.manifestPath, "manifest-path", "", "manifest the dependencies were parsed from")
	cmd.Flags().StringVar(&opts.ecosystem, "ecosystem", "", "ecosystem of the manifest (python, nodejs, golang, ...)")
	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "dependency metadata JSON file, - for stdin")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "profile output file, - for stdout")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "bypass the response cache")
	cmd.Flags().BoolVar(&opts.compact, "compact", false, "print compact JSON")
	_ = cmd.MarkFlagRequired("manifest-path")
	_ = cmd.MarkFlagRequired("ecosystem")
	return cmd
}

func runScan(cmd *cobra.Command, a *app, opts *scanOptions) error {
	const op = "deprisk.scan"

	eco, ok := model.ParseEcosystem(opts.ecosystem)
	if !ok {
		return errors.E(errors.KindInvalidInput, op, fmt.Sprintf("unknown ecosystem %q", opts.ecosystem))
	}

	cfg, err := a.config()
	if err != nil {
		return err
	}
	if opts.noCache {
		cfg.Cache.Disabled = true
	}
	logger := a.logger(cfg)

	deps, err := readDependencies(cmd.InOrStdin(), opts.input)
	if err != nil {
		return err
	}

	p, err := profiler.Bootstrap(cfg, profiler.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			logger.Warn("closing cache: %v", cerr)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile, runErr := p.Run(ctx, opts.manifestPath, eco, deps)
	if profile == nil {
		return runErr
	}
	for _, note := range profile.Notes {
		logger.Warn("%s", note)
	}
	// An interrupted run still writes what it has; the exit code reports
	// the interruption.
	if err := writeProfile(cmd.OutOrStdout(), opts.output, profile, !opts.compact); err != nil {
		return err
	}
	return runErr
}

func readDependencies(stdin io.Reader, path string) ([]model.DependencyMetadata, error) {
	const op = "deprisk.readDependencies"

	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.E(errors.KindInvalidInput, op, "open input", err)
		}
		defer f.Close()
		r = f
	}

	var deps []model.DependencyMetadata
	if err := json.NewDecoder(r).Decode(&deps); err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "decode dependency metadata", err)
	}
	return deps, nil
}

func writeProfile(stdout io.Writer, path string, profile *model.ProjectRiskProfile, indent bool) error {
	const op = "deprisk.writeProfile"

	w := stdout
	if path != "-" && path != "" {
		f, err := os.Create(path)
		if err != nil {
			return errors.E(errors.KindInternal, op, "create output", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(profile); err != nil {
		return errors.E(errors.KindInternal, op, "encode profile", err)
	}
	return nil
}
