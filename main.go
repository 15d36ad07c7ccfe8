/*Copyright (C) 2022 Mandiant, Inc. All Rights Reserved.*/
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mandiant/pclnhdr/config"
	"github.com/mandiant/pclnhdr/internal/logflags"
	"github.com/mandiant/pclnhdr/internal/metrics"
	"github.com/mandiant/pclnhdr/listing"
	"github.com/mandiant/pclnhdr/objfile"
	"github.com/mandiant/pclnhdr/pcheader"
)

type HeaderField struct {
	Name   string
	Offset uint64
	Width  uint64
	Value  uint64
}

type ExtractMetadata struct {
	File       string
	Arch       string
	Pclntab    pcheader.Bounds
	Anchor     uint64
	Version    pcheader.VersionTag
	Schema     string
	State      string
	Header     []HeaderField
	Tables     []pcheader.TableAddr
	Regions    []listing.Region
	References []listing.Reference
	Warnings   []string
	Candidates []objfile.Candidate `json:",omitempty"`
	Error      string              `json:",omitempty"`
}

type options struct {
	configPath string
	saveConfig string
	conflict   string
	layout     string
	jobs       int
	scan       bool
	human      bool
	log        bool
	logOutput  string
	metrics    bool
	profile    bool
}

func addFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.configPath, "config", "", "YAML config file, see config.Config")
	fs.StringVar(&opts.saveConfig, "save-config", "", "Write the effective configuration to this path and exit")
	fs.StringVar(&opts.conflict, "conflict", "", "What to do when a table overlaps existing data: skip, clear or fail")
	fs.StringVar(&opts.layout, "layout", "", "Header layout: native (pointer sized counts) or v0 (4 byte counts)")
	fs.IntVarP(&opts.jobs, "jobs", "j", 0, "Number of files analyzed in parallel")
	fs.BoolVar(&opts.scan, "scan", false, "Also byte-scan every section for pcHeader candidates")
	fs.BoolVar(&opts.human, "human", false, "Human view, print information flat rather than json")
	fs.BoolVar(&opts.log, "log", false, "Enable debug logging on stderr")
	fs.StringVar(&opts.logOutput, "log-output", "", "Comma separated list of layers to log: analysis, objfile, listing or all")
	fs.BoolVar(&opts.metrics, "metrics", false, "Print analysis metrics to stderr in the Prometheus text format")
	fs.BoolVar(&opts.profile, "profile", false, "Write a CPU profile to the working directory")
}

// loadConfig reads the config file and applies the flags that were set on
// the command line over it.
func loadConfig(fs *pflag.FlagSet, opts *options) (*config.Config, error) {
	conf, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if fs.Changed("conflict") {
		conf.ConflictPolicy = opts.conflict
	}
	if fs.Changed("layout") {
		conf.Layout = opts.layout
	}
	if fs.Changed("jobs") {
		conf.Jobs = opts.jobs
	}
	if fs.Changed("log") {
		conf.Log = opts.log
	}
	if fs.Changed("log-output") {
		conf.LogOutput = opts.logOutput
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func main_impl(ctx context.Context, fileName string, conf *config.Config, scan bool, collector *metrics.Collector) (metadata ExtractMetadata, err error) {
	extractMetadata := ExtractMetadata{File: fileName}

	file, err := objfile.Open(fileName)
	if err != nil {
		return extractMetadata, fmt.Errorf("invalid file: %w", err)
	}
	defer file.Close()
	extractMetadata.Arch = file.GOARCH()

	if !file.LittleEndian() {
		return extractMetadata, errors.New("big-endian files are not supported")
	}

	reg, err := conf.Registry()
	if err != nil {
		return extractMetadata, err
	}
	policy, err := conf.Policy()
	if err != nil {
		return extractMetadata, err
	}
	if scan {
		candidates, err := file.ScanHeaders(reg)
		if err != nil {
			return extractMetadata, fmt.Errorf("scanning for pcHeaders: %w", err)
		}
		extractMetadata.Candidates = candidates
	}

	bounds, err := file.PclntabBounds()
	if err != nil {
		return extractMetadata, err
	}
	extractMetadata.Pclntab = bounds

	bytes, err := file.Accessor(conf.PageSize, conf.CachePages)
	if err != nil {
		return extractMetadata, err
	}
	symbols, err := file.SymbolSink(conf.AnchorSymbols)
	if err != nil {
		return extractMetadata, fmt.Errorf("reading symbols: %w", err)
	}

	driver := pcheader.NewDriver(reg, policy)
	driver.AnchorSymbols = conf.AnchorSymbols
	driver.Log = logflags.AnalysisLogger().WithField("file", fileName)
	driver.Metrics = collector

	lst := listing.New()
	res, err := driver.AnalyzeDetailed(ctx, bounds, bytes, symbols, lst, lst)
	if res != nil {
		extractMetadata.Anchor = res.Anchor
		extractMetadata.Version = res.Tag
		extractMetadata.State = res.State().String()
		if res.Record != nil {
			extractMetadata.Schema = res.Record.Schema
			for _, f := range res.Record.Fields() {
				extractMetadata.Header = append(extractMetadata.Header, HeaderField{Name: f.Name, Offset: f.Offset, Width: f.Width, Value: f.Value})
			}
		}
		if res.Table != nil {
			extractMetadata.Tables = res.Table.Addrs()
		}
		if res.Report != nil {
			for _, w := range res.Report.Warnings() {
				extractMetadata.Warnings = append(extractMetadata.Warnings, w.Error())
			}
		}
	}
	extractMetadata.Regions = lst.Regions()
	extractMetadata.References = lst.References()
	if err != nil {
		return extractMetadata, err
	}
	return extractMetadata, nil
}

// analyzeAll runs main_impl over every file, at most conf.Jobs at a time.
// A failing file does not stop the others; its error is kept in its result.
func analyzeAll(ctx context.Context, fileNames []string, conf *config.Config, scan bool, collector *metrics.Collector) ([]ExtractMetadata, error) {
	results := make([]ExtractMetadata, len(fileNames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(conf.Jobs)
	for i, fileName := range fileNames {
		i, fileName := i, fileName
		g.Go(func() error {
			metadata, err := main_impl(ctx, fileName, conf, scan, collector)
			if err != nil {
				metadata.Error = fmt.Sprintf("Failed to parse file: %s", err)
			}
			results[i] = metadata
			// only an interrupt stops the batch
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func printForHuman(w io.Writer, metadata ExtractMetadata) {
	fmt.Fprintln(w, "----pclnhdr----")
	fmt.Fprintf(w, "%-20s %s\n", "File:", metadata.File)
	fmt.Fprintf(w, "%-20s %s\n", "Arch:", metadata.Arch)
	fmt.Fprintf(w, "%-20s %s\n", "Pclntab:", metadata.Pclntab)
	fmt.Fprintf(w, "%-20s 0x%x\n", "Anchor:", metadata.Anchor)
	fmt.Fprintf(w, "%-20s %s\n", "Version:", metadata.Version)
	fmt.Fprintf(w, "%-20s %s\n", "Schema:", metadata.Schema)
	fmt.Fprintf(w, "%-20s %s\n", "State:", metadata.State)
	if metadata.Error != "" {
		fmt.Fprintf(w, "%-20s %s\n", "Error:", metadata.Error)
	}

	fmt.Fprintln(w, "\n-HEADER-")
	if len(metadata.Header) > 0 {
		for _, f := range metadata.Header {
			fmt.Fprintf(w, "+0x%02x %-16s 0x%x\n", f.Offset, f.Name, f.Value)
		}
	} else {
		fmt.Fprintln(w, "<NO HEADER DECODED>")
	}

	fmt.Fprintln(w, "\n-TABLES-")
	if len(metadata.Tables) > 0 {
		for _, a := range metadata.Tables {
			fmt.Fprintf(w, "%-20s 0x%x\n", a.Field+":", a.Addr)
		}
	} else {
		fmt.Fprintln(w, "<NO TABLES RESOLVED>")
	}

	fmt.Fprintln(w, "\n-REGIONS-")
	if len(metadata.Regions) > 0 {
		for _, r := range metadata.Regions {
			fmt.Fprintf(w, "0x%x-0x%x %s\n", r.Addr, r.End(), r.Schema)
		}
	} else {
		fmt.Fprintln(w, "<NO REGIONS CREATED>")
	}

	fmt.Fprintln(w, "\n-REFERENCES-")
	if len(metadata.References) > 0 {
		for _, ref := range metadata.References {
			fmt.Fprintln(w, ref)
		}
	} else {
		fmt.Fprintln(w, "<NO REFERENCES ADDED>")
	}

	if len(metadata.Warnings) > 0 {
		fmt.Fprintln(w, "\n-WARNINGS-")
		for _, warning := range metadata.Warnings {
			fmt.Fprintln(w, warning)
		}
	}

	if len(metadata.Candidates) > 0 {
		fmt.Fprintln(w, "\n-SCAN CANDIDATES-")
		for _, c := range metadata.Candidates {
			status := "ok"
			if !c.Valid() {
				status = c.Error
			}
			fmt.Fprintf(w, "0x%x %-12s %-6s %s\n", c.Addr, c.Section, c.Tag, status)
		}
	}
}

func DataToJson(data interface{}) string {
	jsonBytes, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "{\"error\": \"failed to format output\"}"
	}
	return string(jsonBytes)
}

func TextToJson(key string, text string) string {
	return DataToJson(map[string]string{key: text})
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "pclnhdr [flags] file...",
		Short: "Locate and decode the pclntab pcHeader of Go executables",
		Long: `pclnhdr finds the pcHeader at the start of a Go executable's pclntab,
decodes it with the layout registered for its magic, resolves the offsets it
holds into absolute addresses and types the header and each sub-table in a
listing of the file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			if opts.saveConfig != "" {
				return config.SaveConfig(conf, opts.saveConfig)
			}
			if len(args) == 0 {
				return errors.New("filepath must be provided as first argument")
			}
			if err := logflags.Setup(conf.Log, conf.LogOutput, stderr); err != nil {
				return err
			}
			if opts.profile {
				defer profile.Start(profile.ProfilePath("."), profile.Quiet).Stop()
			}

			var collector *metrics.Collector
			if opts.metrics {
				collector = metrics.New("")
			}

			results, err := analyzeAll(cmd.Context(), args, conf, opts.scan, collector)
			if err != nil {
				return err
			}

			out := bufio.NewWriter(stdout)
			defer out.Flush()
			failed := 0
			for _, metadata := range results {
				if metadata.Error != "" {
					failed++
				}
			}

			switch {
			case len(results) == 1 && failed == 1 && !opts.human:
				fmt.Fprintln(out, TextToJson("error", results[0].Error))
			case opts.human:
				for _, metadata := range results {
					printForHuman(out, metadata)
				}
			case len(results) == 1:
				fmt.Fprintln(out, DataToJson(results[0]))
			default:
				fmt.Fprintln(out, DataToJson(results))
			}

			if collector != nil {
				if err := collector.WriteText(stderr); err != nil {
					return err
				}
			}
			if failed > 0 {
				return errAnalysisFailed{failed: failed, total: len(results)}
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	addFlags(root.Flags(), opts)
	return root
}

// errAnalysisFailed is returned after the results of a partly failed batch
// have been printed.
type errAnalysisFailed struct {
	failed, total int
}

func (e errAnalysisFailed) Error() string {
	return fmt.Sprintf("%d of %d files failed", e.failed, e.total)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root := newRootCommand(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var batch errAnalysisFailed
		if !errors.As(err, &batch) {
			fmt.Println(TextToJson("error", strings.TrimSpace(err.Error())))
		}
		stop()
		os.Exit(1)
	}
}
