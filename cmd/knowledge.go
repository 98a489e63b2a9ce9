package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/observability"
	"github.com/xkilldash9x/deskpilot/internal/store"
)

// newKnowledgeCmd groups the experience-store maintenance commands.
func newKnowledgeCmd() *cobra.Command {
	knowledgeCmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect and maintain the long-term experience store",
	}
	knowledgeCmd.AddCommand(newKnowledgeInitCmd(), newKnowledgeSearchCmd(), newKnowledgeImportCmd())
	return knowledgeCmd
}

// withStore connects to the configured store and runs fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s *store.Store) error) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	kc := cfg.Knowledge()
	if kc.DSN == "" {
		return errors.New("knowledge.dsn is not configured (DESKPILOT_KNOWLEDGE_DSN)")
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	s, closeFn, err := connectStore(connectCtx, kc.DSN, kc.Table, observability.GetLogger())
	cancel()
	if err != nil {
		return fmt.Errorf("failed to connect knowledge store: %w", err)
	}
	defer closeFn()
	return fn(ctx, s)
}

func newKnowledgeInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the experience table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, s *store.Store) error {
				if err := s.EnsureSchema(ctx); err != nil {
					return err
				}
				cmd.Println("Experience store ready.")
				return nil
			})
		},
	}
}

func newKnowledgeSearchCmd() *cobra.Command {
	var limit int
	searchCmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Show the newest experiences matching text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withStore(cmd, func(ctx context.Context, s *store.Store) error {
				exps, err := s.QueryExperience(ctx, text, limit)
				if err != nil {
					return err
				}
				printExperiences(cmd.OutOrStdout(), exps)
				return nil
			})
		},
	}
	searchCmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultQueryLimit, "Maximum records to show.")
	return searchCmd
}

func newKnowledgeImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Bulk load experiences from a JSON-lines file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			exps, err := readExperiences(f)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, s *store.Store) error {
				n, err := s.ImportExperiences(ctx, exps)
				if err != nil {
					return err
				}
				cmd.Printf("Imported %d experiences.\n", n)
				return nil
			})
		},
	}
}

// readExperiences decodes one JSON object per non-blank line.
func readExperiences(r io.Reader) ([]schemas.Experience, error) {
	var exps []schemas.Experience
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e schemas.Experience
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		exps = append(exps, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return exps, nil
}

func printExperiences(out io.Writer, exps []schemas.Experience) {
	if len(exps) == 0 {
		fmt.Fprintln(out, "No experiences found.")
		return
	}
	for _, e := range exps {
		fmt.Fprintf(out, "%s  %-18s %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Category, e.ID)
		if e.Observation != "" {
			fmt.Fprintf(out, "    saw:     %s\n", e.Observation)
		}
		if e.Action != "" {
			fmt.Fprintf(out, "    did:     %s\n", e.Action)
		}
		if e.Outcome != "" {
			fmt.Fprintf(out, "    outcome: %s\n", e.Outcome)
		}
	}
}
