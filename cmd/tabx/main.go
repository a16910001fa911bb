package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flaneur2020/tabx-get/tabxget"
	"github.com/flaneur2020/tabx-get/tabxget/logger"
	"github.com/flaneur2020/tabx-get/tabxget/tabixutil"
)

var (
	credential  string
	insecure    bool
	verbose     bool
	debug       bool
	noProgress  bool
	tryChrAlias bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tabx",
		Short: "Query tabix-indexed genomic feature files, local or remote",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetLogLevel(logger.LogLevelDebug)
			} else if verbose {
				logger.SetLogLevel(logger.LogLevelInfo)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&credential, "credential", "", "Credential in format USER:PASSWORD for HTTP sources")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug logging")

	listCmd := &cobra.Command{
		Use:   "list <FILE>",
		Short: "List the sequence names declared in the index",
		Args:  cobra.ExactArgs(1),
		Run:   runList,
	}

	headerCmd := &cobra.Command{
		Use:   "header <FILE>",
		Short: "Print the file's header lines",
		Args:  cobra.ExactArgs(1),
		Run:   runHeader,
	}

	queryCmd := &cobra.Command{
		Use:   "query <FILE> <REGION>...",
		Short: "Print records overlapping regions given as SEQ or SEQ:START-END (1-based, inclusive)",
		Args:  cobra.MinimumNArgs(2),
		Run:   runQuery,
	}
	queryCmd.Flags().BoolVar(&tryChrAlias, "try-chr-prefix", false, "Retry unknown sequence names with the chr prefix toggled")

	viewCmd := &cobra.Command{
		Use:   "view <FILE> [OUTPUT]",
		Short: "Scan the whole file and write every record to stdout or OUTPUT",
		Args:  cobra.RangeArgs(1, 2),
		Run:   runView,
	}
	viewCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress bar (progress is enabled by default)")

	rootCmd.AddCommand(listCmd, headerCmd, queryCmd, viewCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openReader(ctx context.Context, path string) (*tabxget.Reader, error) {
	var opts []tabxget.Option
	if credential != "" {
		parts := strings.SplitN(credential, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("credential must be USER:PASSWORD")
		}
		opts = append(opts, tabxget.WithCredential(parts[0], parts[1]))
	}
	if insecure {
		opts = append(opts, tabxget.WithInsecureTLS())
	}
	return tabxget.Open(ctx, path, opts...)
}

func runList(cmd *cobra.Command, args []string) {
	reader, err := openReader(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	for _, name := range reader.SequenceNames() {
		if stats := reader.Index().Stats(name); stats != nil {
			fmt.Printf("%s\t%d\n", name, stats.Mapped)
		} else {
			fmt.Println(name)
		}
	}
}

func runHeader(cmd *cobra.Command, args []string) {
	reader, err := openReader(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	if h := reader.Header().String(); h != "" {
		fmt.Println(h)
	}
}

// region is one SEQ or SEQ:START-END argument, converted to the half-open
// 0-based convention the library uses.
type region struct {
	seq   string
	start int
	end   int
}

func parseRegion(arg string) (region, error) {
	colon := strings.LastIndex(arg, ":")
	if colon == -1 {
		return region{seq: arg, start: 0, end: tabixutil.MaxReferenceLen}, nil
	}

	seq := arg[:colon]
	span := strings.ReplaceAll(arg[colon+1:], ",", "")
	dash := strings.Index(span, "-")
	if seq == "" || dash == -1 {
		return region{}, fmt.Errorf("invalid region %q, want SEQ or SEQ:START-END", arg)
	}

	start, err := strconv.Atoi(span[:dash])
	if err != nil {
		return region{}, fmt.Errorf("invalid region start in %q", arg)
	}
	end, err := strconv.Atoi(span[dash+1:])
	if err != nil {
		return region{}, fmt.Errorf("invalid region end in %q", arg)
	}
	if start < 1 || end < start {
		return region{}, fmt.Errorf("invalid region span in %q", arg)
	}

	// 1-based inclusive on the command line, half-open 0-based inside.
	return region{seq: seq, start: start - 1, end: end}, nil
}

// resolveSeq optionally toggles the chr prefix when the given name is not
// in the index.
func resolveSeq(reader *tabxget.Reader, seq string) string {
	if !tryChrAlias || reader.Index().Has(seq) {
		return seq
	}
	alias := "chr" + seq
	if strings.HasPrefix(seq, "chr") {
		alias = strings.TrimPrefix(seq, "chr")
	}
	if reader.Index().Has(alias) {
		logger.Info("Sequence %q not in index; using %q", seq, alias)
		return alias
	}
	return seq
}

func runQuery(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	reader, err := openReader(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	regions := make([]region, 0, len(args)-1)
	for _, arg := range args[1:] {
		reg, err := parseRegion(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		reg.seq = resolveSeq(reader, reg.seq)
		regions = append(regions, reg)
	}

	// Each region runs on its own iterator (and its own read cursor), so
	// the fetches can proceed in parallel; output stays in argument order.
	results := make([][]string, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range regions {
		i, reg := i, reg
		g.Go(func() error {
			it, err := reader.Query(gctx, reg.seq, reg.start, reg.end)
			if err != nil {
				return err
			}
			defer it.Close()

			var lines []string
			for it.HasNext() {
				rec, err := it.Next()
				if err != nil {
					return err
				}
				lines = append(lines, rec.Line)
			}
			if err := it.Err(); err != nil {
				return err
			}
			results[i] = lines
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for _, lines := range results {
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
	}
}

func runView(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	reader, err := openReader(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	output := os.Stdout
	if len(args) > 1 {
		f, err := os.Create(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		output = f
	}

	it, err := reader.Iterator(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer it.Close()

	var bar *progressbar.ProgressBar
	if !noProgress && output != os.Stdout {
		_, total := it.Progress()
		bar = progressbar.DefaultBytes(total, fmt.Sprintf("Scanning %s", args[0]))
	}

	out := bufio.NewWriter(output)
	var count int64
	for it.HasNext() {
		rec, err := it.Next()
		if err != nil {
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(out, rec.Line)
		count++
		if bar != nil && count%1000 == 0 {
			current, _ := it.Progress()
			bar.Set64(current)
		}
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		os.Exit(1)
	}
	if err := out.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if bar != nil {
		current, _ := it.Progress()
		bar.Set64(current)
		fmt.Fprintln(os.Stderr)
	}
	logger.Info("Wrote %d records", count)
}
