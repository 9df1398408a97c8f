package cmd

import (
	"errors"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cwygoda/scout/internal/domain"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit and inspect article jobs",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a new article job",
	Long: `Queue a new article job for a user. The job is rejected when the user's
monthly allowance is used up.

Examples:
  scout jobs submit --user 1 --sector "Real Estate" --location Ghana
  scout jobs submit --user 1 --sector Fintech --location Nigeria \
      --keyword "mobile money" --tone casual --depth comprehensive`,
	Args: cobra.NoArgs,
	RunE: runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job and, when completed, its article",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a finished job with its article and files",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job's pipeline in this process",
	Long: `Run a job's pipeline in the foreground instead of waiting for a worker.
Running a job that is already terminal only reports its outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRun,
}

var (
	submitUser     int64
	submitSector   string
	submitLocation string
	submitKeywords []string
	submitStyle    domain.Style

	listUser     int64
	listStatus   string
	listPage     int
	listPageSize int
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd, jobsListCmd, jobsStatusCmd, jobsDeleteCmd, jobsRunCmd)

	f := jobsSubmitCmd.Flags()
	f.Int64VarP(&submitUser, "user", "u", 0, "User ID (required)")
	f.StringVar(&submitSector, "sector", "", "Business sector (required)")
	f.StringVar(&submitLocation, "location", "", "Location (required)")
	f.StringSliceVarP(&submitKeywords, "keyword", "k", nil, "Keyword hint (repeatable)")
	f.StringVar(&submitStyle.Tone, "tone", "", "Tone (professional|casual|technical)")
	f.StringVar(&submitStyle.WritingStyle, "style", "", "Writing style")
	f.StringVar(&submitStyle.TargetAudience, "audience", "", "Target audience")
	f.StringVar(&submitStyle.ContentDepth, "depth", "", "Content depth (overview|moderate|comprehensive)")
	f.StringVar(&submitStyle.SEOFocus, "seo", "", "SEO focus (low|medium|high)")
	f.StringVar(&submitStyle.TargetWordCount, "word-count", "", "Target word count")
	f.StringVar(&submitStyle.CustomTitle, "title", "", "Use this title instead of the generated one")
	f.StringSliceVar(&submitStyle.IncludeSections, "section", nil, "Section to include (repeatable)")
	f.StringVar(&submitStyle.CustomInstructions, "instructions", "", "Extra instructions for the writer")
	_ = jobsSubmitCmd.MarkFlagRequired("user")
	_ = jobsSubmitCmd.MarkFlagRequired("sector")
	_ = jobsSubmitCmd.MarkFlagRequired("location")

	lf := jobsListCmd.Flags()
	lf.Int64VarP(&listUser, "user", "u", 0, "Only jobs of this user")
	lf.StringVar(&listStatus, "status", "", "Only jobs in this status")
	lf.IntVar(&listPage, "page", 1, "Page number")
	lf.IntVar(&listPageSize, "page-size", domain.DefaultPageSize, "Jobs per page")
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid "+what+" ID", errors.New(s))
	}
	return id, nil
}

// domainExit maps service errors to exit codes.
func domainExit(message string, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrQuotaExceeded),
		errors.Is(err, domain.ErrJobInProgress),
		errors.Is(err, domain.ErrDuplicateUser):
		return exitError(foundry.ExitInvalidArgument, message, err)
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrArticleNotFound):
		return exitError(foundry.ExitFileNotFound, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

func runJobsSubmit(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.svc.Submit(cmd.Context(), submitUser, domain.Request{
		Sector:   submitSector,
		Location: submitLocation,
		Keywords: submitKeywords,
		Style:    submitStyle,
	})
	if err != nil {
		return domainExit("Failed to submit job", err)
	}
	return writeJSON(cmd.OutOrStdout(), viewJob(job))
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	filter := domain.JobFilter{
		UserID:   listUser,
		Status:   domain.JobStatus(listStatus),
		Page:     listPage,
		PageSize: listPageSize,
	}
	jobs, total, err := a.svc.List(cmd.Context(), filter)
	if err != nil {
		return domainExit("Failed to list jobs", err)
	}
	filter = filter.Normalize()
	out := struct {
		Jobs     []jobView `json:"jobs"`
		Total    int       `json:"total"`
		Page     int       `json:"page"`
		PageSize int       `json:"page_size"`
	}{Jobs: make([]jobView, 0, len(jobs)), Total: total, Page: filter.Page, PageSize: filter.PageSize}
	for i := range jobs {
		out.Jobs = append(out.Jobs, viewJob(&jobs[i]))
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.svc.Get(cmd.Context(), 0, id)
	if err != nil {
		return domainExit("Failed to load job", err)
	}
	out := struct {
		Job     jobView      `json:"job"`
		Article *articleView `json:"article,omitempty"`
	}{Job: viewJob(job)}
	if job.Status == domain.StatusCompleted {
		article, err := a.svc.Article(cmd.Context(), 0, id)
		if err != nil {
			return domainExit("Failed to load article", err)
		}
		out.Article = viewArticle(article)
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.Delete(cmd.Context(), 0, id); err != nil {
		return domainExit("Failed to delete job", err)
	}
	a.log.Info("Job deleted", zap.Int64("job_id", id))
	return nil
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "job")
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	out, err := orch.Run(ctx, id)
	orch.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Run cancelled", err)
		}
		return domainExit("Run failed", err)
	}
	return writeJSON(cmd.OutOrStdout(), out)
}
