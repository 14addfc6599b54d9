package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/extract"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/rubric"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade every submission in a directory",
	Long: "Grade every submission in --dir against a rubric (or an answer key with a point table). " +
		"Results are written to --out after each submission; re-running with the same --out skips " +
		"submissions that were already graded and retries failed ones.",
	RunE: runGrade,
}

var (
	gradeRubricFile     string
	gradeAnswerKeyFile  string
	gradeConversionFile string
	gradeDir            string
	gradeOutFile        string
)

func init() {
	gradeCmd.Flags().StringVar(&gradeRubricFile, "rubric", "", "Path to the rubric document")
	gradeCmd.Flags().StringVar(&gradeAnswerKeyFile, "answer-key", "", "Path to the answer key (task mode)")
	gradeCmd.Flags().StringVar(&gradeConversionFile, "conversion", "", "Path to the point-conversion table (task mode)")
	gradeCmd.Flags().StringVar(&gradeDir, "dir", "", "Directory of submissions")
	gradeCmd.Flags().StringVarP(&gradeOutFile, "out", "o", "results.json", "Path of the results file")
	_ = gradeCmd.MarkFlagRequired("dir")

	rootCmd.AddCommand(gradeCmd)
}

func runGrade(cmd *cobra.Command, _ []string) error {
	logger := cliLogger()

	job, err := buildCLIJob(logger)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	backend, err := ai.NewBackend(ai.BackendConfig{
		Provider:    cfg.AIProvider,
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.AIBaseURL,
		Model:       cfg.AIModel,
		MaxTokens:   cfg.AIMaxTokens,
		Temperature: cfg.AITemperature,
		OllamaURL:   cfg.OllamaServerURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	client := ai.NewClient(backend, ai.ClientConfig{
		TextTimeout:   cfg.GradingTextTimeout,
		VisionTimeout: cfg.GradingVisionTimeout,
		Backoff: ai.BackoffPolicy{
			Base:       cfg.GradingBackoffBase,
			Max:        cfg.GradingBackoffMax,
			MaxRetries: cfg.GradingMaxRetries,
		},
		Logger: logger,
	})

	store, err := openResultFile(gradeOutFile)
	if err != nil {
		return err
	}

	submissions, err := dirSubmissions(gradeDir, extract.NewExtractor(cfg.MaxSubmissionBytes, logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.ErrOrStderr()
	orchestrator := grading.NewOrchestrator(client, grading.OrchestratorConfig{
		Cooldown: cfg.GradingCooldown,
		Prices: grading.PriceTable{
			PromptPerMillion:     cfg.PricePromptPerMillion,
			CompletionPerMillion: cfg.PriceCompletionPerMillion,
		},
		Logger:   logger,
		Sink:     store,
		Progress: func(e grading.Event) { printEvent(out, e) },
	})

	results, err := orchestrator.GradeAll(ctx, job, submissions, grading.ExistingIDs(store.Results()))
	failed := 0
	for _, result := range results {
		if result.Failed() {
			failed++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "graded %d submissions (%d failed), cost $%.4f, results in %s\n",
		len(results), failed, orchestrator.Run().Cost.Total(), gradeOutFile)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(out, "interrupted; re-run the same command to continue")
		return nil
	}
	return err
}

func buildCLIJob(logger zerolog.Logger) (grading.Job, error) {
	job := grading.Job{ExamID: filepath.Base(gradeDir)}
	if gradeRubricFile != "" {
		tree, err := loadRubric(gradeRubricFile, false, logger)
		if err != nil {
			return grading.Job{}, err
		}
		job.Rubric = &tree
		return job, nil
	}

	if gradeAnswerKeyFile == "" || gradeConversionFile == "" {
		return grading.Job{}, fmt.Errorf("provide --rubric, or --answer-key together with --conversion")
	}
	key, err := os.ReadFile(gradeAnswerKeyFile)
	if err != nil {
		return grading.Job{}, fmt.Errorf("failed to read answer key: %w", err)
	}
	conversion, err := os.ReadFile(gradeConversionFile)
	if err != nil {
		return grading.Job{}, fmt.Errorf("failed to read conversion table: %w", err)
	}
	table, err := rubric.ParsePointTable(string(conversion))
	if err != nil {
		return grading.Job{}, err
	}
	job.Task = grading.TaskSpec{Title: filepath.Base(gradeDir), AnswerKey: string(key), Conversion: table}
	return job, nil
}

func dirSubmissions(dir string, extractor *extract.Extractor) ([]grading.Submission, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read submissions directory: %w", err)
	}

	subs := make([]grading.Submission, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		id := grading.SubmissionIDFromFilename(entry.Name())
		subs = append(subs, grading.Submission{
			ID:    id,
			Label: id,
			Load: func(context.Context) (string, error) {
				file, err := os.Open(path)
				if err != nil {
					return "", err
				}
				defer file.Close()
				doc, err := extractor.Extract(filepath.Base(path), file)
				if err != nil {
					return "", err
				}
				return doc.Text, nil
			},
		})
	}
	return subs, nil
}

func printEvent(w io.Writer, e grading.Event) {
	switch {
	case e.Remaining > 0 && e.Message != "":
		fmt.Fprintf(w, "[%d/%d] %s: %s (%s)\n", e.Index, e.Total, e.SubmissionID, e.Message, e.Remaining)
	case e.Result != nil && e.Result.Failed():
		fmt.Fprintf(w, "[%d/%d] %s: failed at %s: %s\n", e.Index, e.Total, e.SubmissionID, e.Result.Stage, e.Result.Error)
	case e.Result != nil:
		fmt.Fprintf(w, "[%d/%d] %s: grade %d (%.2f)\n", e.Index, e.Total, e.SubmissionID, e.Result.FinalGrade, e.Result.TotalScore)
	default:
		fmt.Fprintf(w, "[%d/%d] %s: %s\n", e.Index, e.Total, e.SubmissionID, e.Stage)
	}
}

// resultFile keeps every result by submission id and rewrites the file on each store.
type resultFile struct {
	path    string
	mu      sync.Mutex
	results map[string]grading.Result
}

func openResultFile(path string) (*resultFile, error) {
	rf := &resultFile{path: path, results: map[string]grading.Result{}}
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read results file: %w", err)
	}

	var existing []grading.Result
	if err := json.Unmarshal(content, &existing); err != nil {
		return nil, fmt.Errorf("results file %s is not a grading results array: %w", path, err)
	}
	for _, result := range existing {
		rf.results[result.SubmissionID] = result
	}
	return rf, nil
}

func (r *resultFile) Results() []grading.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]grading.Result, 0, len(r.results))
	for _, result := range r.results {
		out = append(out, result)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out
}

func (r *resultFile) Store(_ context.Context, result grading.Result) error {
	r.mu.Lock()
	r.results[result.SubmissionID] = result
	r.mu.Unlock()

	payload, err := json.MarshalIndent(r.Results(), "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
