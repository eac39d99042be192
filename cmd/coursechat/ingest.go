package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"coursechat/internal/config"
	"coursechat/internal/knowledge"
	"coursechat/internal/memory"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var (
		course string
		groups []string
		url    string
	)
	cmd := &cobra.Command{
		Use:   "ingest [file or directory]...",
		Short: "Add course files to the local knowledge index",
		Long: `Extracts the text of .txt, .md, .pdf and .docx files and indexes it for
the course. Directories are walked recursively. Ingesting an unchanged
file again replaces its earlier copy.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			if course == "" {
				course = cfg.General.DefaultCourse
			}
			if _, ok := cfg.Course(course); !ok {
				return fmt.Errorf("unknown course %q", course)
			}

			kb, closeKB, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer closeKB()

			files, err := collectFiles(args)
			if err != nil {
				return err
			}
			if url != "" && len(files) > 1 {
				return errors.New("--url names a single file")
			}
			ctx := context.Background()
			added, skipped := 0, 0
			for _, f := range files {
				path := f.path
				out, err := knowledge.ExtractFile(path)
				if err != nil {
					logger.Warn("skipped", "file", path, "err", err)
					skipped++
					continue
				}
				doc, err := kb.AddDocument(ctx, knowledge.DocumentInput{
					CourseName:       course,
					ReadableFilename: filepath.Base(path),
					MimeType:         out.MimeType,
					URL:              url,
					S3Path:           f.key,
					DocGroups:        groups,
					Text:             out.Text,
				})
				if err != nil {
					return fmt.Errorf("index %s: %w", path, err)
				}
				fmt.Printf("%s: %d pages, %d chunks\n", doc.ReadableFilename, out.Pages, doc.ChunkCount)
				added++
			}
			fmt.Printf("%d added, %d skipped\n", added, skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "course name (default: general.defaultCourse)")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "document group (repeatable)")
	cmd.Flags().StringVar(&url, "url", "", "public URL citations should link to")
	return cmd
}

func docsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List or delete indexed course documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [course]",
		Short: "List the documents of a course",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			course := cfg.General.DefaultCourse
			if len(args) == 1 {
				course = args[0]
			}
			kb, closeKB, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer closeKB()

			docs, err := kb.ListDocuments(context.Background(), course)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tCHUNKS\tGROUPS\tADDED")
			for _, d := range docs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", d.ID, d.ReadableFilename, d.ChunkCount, d.DocGroups, d.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()
			kb, closeKB, err := openKnowledge(cfg)
			if err != nil {
				return err
			}
			defer closeKB()
			if err := kb.DeleteDocument(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func openKnowledge(cfg *config.Config) (*knowledge.Engine, func(), error) {
	if cfg.Knowledge.Mode != "local" {
		return nil, nil, fmt.Errorf("knowledge.mode is %q; documents are managed only in local mode", cfg.Knowledge.Mode)
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("memory store: %w", err)
	}
	kb := knowledge.NewEngine(knowledge.EngineConfig{
		Store:     store,
		ChunkSize: cfg.Knowledge.ChunkSize,
		Overlap:   cfg.Knowledge.ChunkOverlap,
		TopK:      cfg.Knowledge.SearchTopK,
		Logger:    logger,
	})
	return kb, func() { store.Close() }, nil
}

// courseFile is a file to ingest. key is its slash-separated path below the
// directory it was found in, used to build citation links.
type courseFile struct {
	path string
	key  string
}

func collectFiles(args []string) ([]courseFile, error) {
	var files []courseFile
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, courseFile{path: arg, key: filepath.Base(arg)})
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != arg && d.Name()[0] == '.' {
					return filepath.SkipDir
				}
				return nil
			}
			rel, err := filepath.Rel(arg, path)
			if err != nil {
				return err
			}
			files = append(files, courseFile{path: path, key: filepath.ToSlash(rel)})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(files) == 0 {
		return nil, errors.New("no files found")
	}
	return files, nil
}
