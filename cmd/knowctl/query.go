package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"knowgraph/internal/retrieve"
	"knowgraph/internal/storage"
)

var (
	queryTags       string
	queryRequireAll bool
	querySince      string
	queryUntil      string
	queryPathPrefix string
	queryK          int
)

func buildFilters(cmd *cobra.Command) (storage.FilterSpec, error) {
	var f storage.FilterSpec
	if queryTags != "" {
		for _, t := range strings.Split(queryTags, ",") {
			t = strings.ToLower(strings.TrimSpace(t))
			if t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}
	f.RequireAll = queryRequireAll
	f.PathPrefix = queryPathPrefix
	now := time.Now()
	since, err := retrieve.ParseTimeArg(querySince, now)
	if err != nil {
		return f, err
	}
	until, err := retrieve.ParseTimeArg(queryUntil, now)
	if err != nil {
		return f, err
	}
	f.Since, f.Until = since, until
	return f, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		filters, err := buildFilters(cmd)
		if err != nil {
			return err
		}
		resp, err := a.retriever.Search(ctx, retrieve.Query{
			Text:    strings.Join(args, " "),
			Filters: filters,
			RerankK: queryK,
		})
		if err != nil {
			return err
		}
		fmt.Printf("strategy=%s candidates=%d\n", resp.Strategy, resp.TotalCandidates)
		for i, it := range resp.Items {
			h := ""
			if it.Heading != nil {
				h = " # " + *it.Heading
			}
			fmt.Printf("%2d. [%.3f] %s:%d%s\n    %s\n", i+1, it.Score, it.Path, it.StartLine, h, it.Snippet)
		}
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <question>",
	Short: "Assemble an extractive answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		k := queryK
		if k <= 0 {
			k = 6
		}
		out, err := a.assembler.AnswerQuestion(ctx, strings.Join(args, " "), k)
		if err != nil {
			return err
		}
		fmt.Println(out.Content)
		fmt.Printf("\nconfidence: %.2f\n", out.Confidence)
		for _, s := range out.Sources {
			ref := s.Path
			if s.Heading != "" {
				ref += "#" + s.Heading
			}
			fmt.Println("source:", ref)
		}
		return nil
	},
}

var facetsCmd = &cobra.Command{
	Use:   "facets",
	Short: "Show tag counts and the monthly histogram",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		filters, err := buildFilters(cmd)
		if err != nil {
			return err
		}
		facets, err := a.chunks.FetchFacets(ctx, filters.Since, filters.Until, filters.PathPrefix)
		if err != nil {
			return err
		}
		return printJSON(facets)
	},
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, answerCmd, facetsCmd} {
		c.Flags().StringVar(&queryTags, "tags", "", "comma-separated tag filter")
		c.Flags().BoolVar(&queryRequireAll, "require-all-tags", false, "require every tag (AND) instead of any (OR)")
		c.Flags().StringVar(&querySince, "since", "", "window start (YYYY, YYYY-MM, YYYY-MM-DD, Nd, Nm)")
		c.Flags().StringVar(&queryUntil, "until", "", "window end (same formats)")
		c.Flags().StringVar(&queryPathPrefix, "path-prefix", "", "restrict to paths under this prefix")
		c.Flags().IntVar(&queryK, "k", 0, "result count")
		rootCmd.AddCommand(c)
	}
}
