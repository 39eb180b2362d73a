package main

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/gosight/gosight/auditor/internal/classifier"
	"github.com/gosight/gosight/auditor/internal/parser"
	"github.com/gosight/gosight/auditor/internal/scanner"
)

func newClassifyCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "classify <url>",
		Short: "Classify a request URL and print the normalized event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag := classifier.Classify(args[0])
			if tag == classifier.TagNone {
				fmt.Fprintln(cmd.OutOrStdout(), "not a tracking request")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tag: %s\n", tag)
			ev := parser.Parse(tag, args[0], body)
			if ev == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no reportable event")
				return nil
			}
			return printJSON(cmd, ev)
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "request body (POST payload)")
	return cmd
}

func newScanCmd() *cobra.Command {
	var pageURL string
	cmd := &cobra.Command{
		Use:   "scan <file.html>",
		Short: "Scan a saved page for hardcoded tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			report := scanner.Scan(scanner.Page{URL: pageURL, HTML: string(data)})
			if report == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no hardcoded tags found")
				return nil
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&pageURL, "url", "", "URL the page was saved from")
	return cmd
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted relay settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Settings.Backend != "redis" {
				fmt.Fprintln(cmd.ErrOrStderr(), "settings backend is memory; showing defaults")
			}
			store, closeStore, err := openSettings(cfg)
			if err != nil {
				return fmt.Errorf("settings store: %w", err)
			}
			defer closeStore()

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			st, err := store.Load(ctx)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			return printJSON(cmd, st)
		},
	}
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
