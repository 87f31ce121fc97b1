package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"appraisal/internal/domain"
	"appraisal/internal/engine"
	"appraisal/internal/policy"
	"appraisal/internal/repo"
	"appraisal/internal/workflow"
)

const dateLayout = "2006-01-02"

func assignmentCmd() *cobra.Command {
	asg := &cobra.Command{
		Use:     "assignment",
		Aliases: []string{"asg"},
		Short:   "Create, inspect and advance assignments",
	}
	asg.AddCommand(assignCmd())
	asg.AddCommand(assignmentListCmd())
	asg.AddCommand(assignmentShowCmd())
	asg.AddCommand(assignmentLogCmd())
	asg.AddCommand(assignmentVerifyCmd())
	asg.AddCommand(assignmentMissingCmd())
	asg.AddCommand(initializeCmd())
	asg.AddCommand(simpleCmd("start <id>", "Start working on an assignment", engine.Engine.StartWork))
	asg.AddCommand(answerCmd())
	asg.AddCommand(simpleCmd("submit <id>", "Submit your answers", engine.Engine.Submit))
	asg.AddCommand(reviewCmd())
	asg.AddCommand(commentCmd("sign-off <id>", "Sign off the review outcome", "comments", engine.Engine.SignOff))
	asg.AddCommand(commentCmd("confirm <id>", "Confirm the review outcome", "comments", engine.Engine.ConfirmOutcome))
	asg.AddCommand(commentCmd("finalize <id>", "Finalize an assignment", "notes", engine.Engine.Finalize))
	asg.AddCommand(commentCmd("withdraw <id>", "Withdraw an assignment", "reason", engine.Engine.Withdraw))
	asg.AddCommand(reopenCmd())
	asg.AddCommand(goalCmd())
	asg.AddCommand(predecessorCmd())
	return asg
}

// runCommand executes one engine command as the configured actor and prints
// the outcome.
func runCommand(cmd *cobra.Command, fn func(context.Context, engine.Engine, policy.Actor) (engine.Result, error)) error {
	actor, err := currentActor()
	if err != nil {
		return err
	}
	return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
		res, err := fn(ctx, e, actor)
		if err != nil {
			return err
		}
		return printResult(res)
	})
}

func simpleCmd(use, short string, op func(engine.Engine, context.Context, string, policy.Actor) (engine.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return op(e, ctx, args[0], actor)
			})
		},
	}
}

func commentCmd(use, short, flag string, op func(engine.Engine, context.Context, string, policy.Actor, *string) (engine.Result, error)) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return op(e, ctx, args[0], actor, optionalString(text))
			})
		},
	}
	cmd.Flags().StringVar(&text, flag, "", "optional free text")
	return cmd
}

func assignCmd() *cobra.Command {
	var (
		opts   engine.AssignOptions
		due    string
		review bool
	)
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a template to an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := time.Parse(dateLayout, due)
			if err != nil {
				return fmt.Errorf("--due: %w", err)
			}
			opts.DueDate = dueDate
			opts.RequiresManagerReview = review
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.Assign(ctx, actor, opts)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AssignmentID, "id", "", "assignment id (generated when empty)")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "template id")
	cmd.Flags().StringVar(&opts.EmployeeID, "employee", "", "employee id")
	cmd.Flags().StringVar(&opts.ManagerID, "manager", "", "manager id")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&review, "review", true, "require a manager review meeting")
	for _, f := range []string{"template", "employee", "manager", "due"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func assignmentListCmd() *cobra.Command {
	var (
		f      repo.AssignmentFilters
		states []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range states {
				st, err := domain.ParseWorkflowState(s)
				if err != nil {
					return err
				}
				f.States = append(f.States, st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := e.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Template", "Employee", "Manager", "State", "Version", "Due"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.TemplateID, r.EmployeeID, r.ManagerID, r.State, r.Version, r.DueDate.Format(dateLayout)})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EmployeeID, "employee", "", "employee id")
	cmd.Flags().StringVar(&f.ManagerID, "manager", "", "manager id")
	cmd.Flags().StringVar(&f.TemplateID, "template", "", "template id")
	cmd.Flags().StringSliceVar(&states, "state", nil, "workflow states")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "only assignments still in progress")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func assignmentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show the current state of an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				printAssignment(a)
				return nil
			})
		},
	}
}

func assignmentLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <id>",
		Short: "Print the event log of an assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Events(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvents(items)
			})
		},
	}
}

func assignmentVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Replay an assignment and check it against the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else {
					green := color.New(color.FgGreen).SprintFunc()
					red := color.New(color.FgRed).SprintFunc()
					check := func(ok bool) string {
						if ok {
							return green("ok")
						}
						return red("MISMATCH")
					}
					fmt.Printf("%s: %d events, version %d, state %s\n", report.AssignmentID, report.Events, report.Version, report.State)
					fmt.Printf("deterministic replay: %s\n", check(report.Deterministic))
					fmt.Printf("directory row (%s): %s\n", report.DirectoryState, check(report.DirectoryMatch))
				}
				if !report.OK() {
					return fmt.Errorf("assignment %s failed verification", report.AssignmentID)
				}
				return nil
			})
		},
	}
}

func assignmentMissingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "missing <id>",
		Short: "List required questions still unanswered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Load(ctx, args[0])
				if err != nil {
					return err
				}
				missing := map[string][]string{
					"employee": a.Missing(domain.RoleEmployee),
					"manager":  a.Missing(domain.RoleManager),
				}
				if viper.GetBool("json") {
					return printJSON(missing)
				}
				for _, side := range []string{"employee", "manager"} {
					fmt.Printf("%s: %s\n", side, strings.Join(missing[side], ", "))
				}
				return nil
			})
		},
	}
}

func initializeCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "initialize <id>",
		Short: "Initialize an assigned review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.Initialize(ctx, args[0], actor, nil, optionalString(notes))
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "initialization notes")
	return cmd
}

func answerCmd() *cobra.Command {
	var section, question, value string
	cmd := &cobra.Command{
		Use:   "answer <id>",
		Short: "Save an answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.SaveAnswer(ctx, args[0], actor, section, question, value)
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "section id")
	cmd.Flags().StringVar(&question, "question", "", "question id")
	cmd.Flags().StringVar(&value, "value", "", "answer value")
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Run the review meeting",
	}
	review.AddCommand(simpleCmd("start <id>", "Start the review meeting", engine.Engine.StartReviewMeeting))
	review.AddCommand(reviewEditCmd())
	review.AddCommand(noteCmd())
	review.AddCommand(commentCmd("finish <id>", "Finish the review meeting", "summary", engine.Engine.FinishReviewMeeting))
	return review
}

func reviewEditCmd() *cobra.Command {
	var section, question, role, value string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit an answer during the meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var answerRole domain.Role
			if role != "" {
				r, err := domain.ParseRole(role)
				if err != nil {
					return err
				}
				answerRole = r
			}
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.EditAnswer(ctx, args[0], actor, section, question, answerRole, value)
			})
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "section id")
	cmd.Flags().StringVar(&question, "question", "", "question id")
	cmd.Flags().StringVar(&role, "answer-role", "", "whose answer (employee or manager)")
	cmd.Flags().StringVar(&value, "value", "", "new value")
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("question")
	return cmd
}

func noteCmd() *cobra.Command {
	note := &cobra.Command{
		Use:   "note",
		Short: "Manage in-review notes",
	}

	var section, content string
	add := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.AddNote(ctx, args[0], actor, "", content, optionalString(section))
			})
		},
	}
	add.Flags().StringVar(&content, "content", "", "note text")
	add.Flags().StringVar(&section, "section", "", "section the note refers to")
	_ = add.MarkFlagRequired("content")

	var newContent string
	update := &cobra.Command{
		Use:   "update <id> <note-id>",
		Short: "Update your note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.UpdateNote(ctx, args[0], actor, args[1], newContent)
			})
		},
	}
	update.Flags().StringVar(&newContent, "content", "", "note text")
	_ = update.MarkFlagRequired("content")

	del := &cobra.Command{
		Use:   "delete <id> <note-id>",
		Short: "Delete your note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.DeleteNote(ctx, args[0], actor, args[1])
			})
		},
	}

	note.AddCommand(add, update, del)
	return note
}

func reopenCmd() *cobra.Command {
	var target, reason string
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Move an assignment back to an earlier state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := domain.ParseWorkflowState(target)
			if err != nil {
				return err
			}
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.Reopen(ctx, args[0], actor, to, reason)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state")
	cmd.Flags().StringVar(&reason, "reason", "", "why the assignment is reopened")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{
		Use:   "goal",
		Short: "Manage goals",
	}
	goal.AddCommand(goalAddCmd(), goalModifyCmd(), goalDeleteCmd())
	return goal
}

type goalFlags struct {
	from, to          string
	objective, metric string
	weighting         int
}

func (g *goalFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&g.from, "from", "", "timeframe start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&g.to, "to", "", "timeframe end (YYYY-MM-DD)")
	cmd.Flags().StringVar(&g.objective, "objective", "", "what should be achieved")
	cmd.Flags().StringVar(&g.metric, "metric", "", "how achievement is measured")
	cmd.Flags().IntVar(&g.weighting, "weighting", 0, "weight in percent")
}

func (g *goalFlags) timeframe() (domain.Timeframe, error) {
	from, err := time.Parse(dateLayout, g.from)
	if err != nil {
		return domain.Timeframe{}, fmt.Errorf("--from: %w", err)
	}
	to, err := time.Parse(dateLayout, g.to)
	if err != nil {
		return domain.Timeframe{}, fmt.Errorf("--to: %w", err)
	}
	return domain.Timeframe{From: from, To: to}, nil
}

func goalAddCmd() *cobra.Command {
	var (
		g        goalFlags
		question string
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a goal to a goal-setting question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tf, err := g.timeframe()
			if err != nil {
				return err
			}
			in := workflow.GoalInput{QuestionID: question, Timeframe: tf, Objective: g.objective, Metric: g.metric}
			if cmd.Flags().Changed("weighting") {
				in.Weighting = &g.weighting
			}
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.AddGoal(ctx, args[0], actor, in)
			})
		},
	}
	g.register(cmd)
	cmd.Flags().StringVar(&question, "question", "", "goal-setting question id")
	for _, f := range []string{"question", "from", "to", "objective", "metric"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func goalModifyCmd() *cobra.Command {
	var (
		g              goalFlags
		clearWeighting bool
		reason         string
	)
	cmd := &cobra.Command{
		Use:   "modify <id> <goal-id>",
		Short: "Change a goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes domain.GoalChanges
			flags := cmd.Flags()
			if flags.Changed("from") || flags.Changed("to") {
				tf, err := g.timeframe()
				if err != nil {
					return err
				}
				changes.Timeframe = &tf
			}
			if flags.Changed("objective") {
				changes.Objective = &g.objective
			}
			if flags.Changed("metric") {
				changes.Metric = &g.metric
			}
			if flags.Changed("weighting") {
				changes.Weighting = &g.weighting
			}
			changes.ClearWeighting = clearWeighting
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.ModifyGoal(ctx, args[0], actor, args[1], changes, reason)
			})
		},
	}
	g.register(cmd)
	cmd.Flags().BoolVar(&clearWeighting, "clear-weighting", false, "remove the weighting")
	cmd.Flags().StringVar(&reason, "reason", "", "why the goal changed")
	return cmd
}

func goalDeleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <id> <goal-id>",
		Short: "Delete a goal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.DeleteGoal(ctx, args[0], actor, args[1], reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the goal was dropped")
	return cmd
}

func predecessorCmd() *cobra.Command {
	pred := &cobra.Command{
		Use:   "predecessor",
		Short: "Rate goals carried over from a finalized review",
	}

	var linkQuestion string
	link := &cobra.Command{
		Use:   "link <id> <predecessor-id>",
		Short: "Link a finalized assignment to a rating question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.LinkPredecessor(ctx, args[0], actor, linkQuestion, args[1])
			})
		},
	}
	link.Flags().StringVar(&linkQuestion, "question", "", "rating question id")
	_ = link.MarkFlagRequired("question")

	var (
		rateQuestion, rateGoal, justification string
		degree                                int
	)
	rate := &cobra.Command{
		Use:   "rate <id>",
		Short: "Rate the achievement of a predecessor goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.RatePredecessorGoal(ctx, args[0], actor, rateQuestion, rateGoal, degree, justification)
			})
		},
	}
	rate.Flags().StringVar(&rateQuestion, "question", "", "rating question id")
	rate.Flags().StringVar(&rateGoal, "goal", "", "predecessor goal id")
	rate.Flags().IntVar(&degree, "degree", 0, "degree of achievement")
	rate.Flags().StringVar(&justification, "justification", "", "why this rating")
	for _, f := range []string{"question", "goal", "degree"} {
		_ = rate.MarkFlagRequired(f)
	}

	var (
		modQuestion, modGoal, modRole, modJustification, modReason string
		modDegree                                                  int
	)
	modify := &cobra.Command{
		Use:   "modify-rating <id>",
		Short: "Change a predecessor goal rating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ratingRole domain.Role
			if modRole != "" {
				r, err := domain.ParseRole(modRole)
				if err != nil {
					return err
				}
				ratingRole = r
			}
			var changes domain.RatingChanges
			if cmd.Flags().Changed("degree") {
				changes.DegreeOfAchievement = &modDegree
			}
			if cmd.Flags().Changed("justification") {
				changes.Justification = &modJustification
			}
			return runCommand(cmd, func(ctx context.Context, e engine.Engine, actor policy.Actor) (engine.Result, error) {
				return e.ModifyPredecessorRating(ctx, args[0], actor, modQuestion, modGoal, ratingRole, changes, modReason)
			})
		},
	}
	modify.Flags().StringVar(&modQuestion, "question", "", "rating question id")
	modify.Flags().StringVar(&modGoal, "goal", "", "predecessor goal id")
	modify.Flags().StringVar(&modRole, "rating-role", "", "whose rating (employee or manager)")
	modify.Flags().IntVar(&modDegree, "degree", 0, "degree of achievement")
	modify.Flags().StringVar(&modJustification, "justification", "", "why this rating")
	modify.Flags().StringVar(&modReason, "reason", "", "why the rating changed")
	_ = modify.MarkFlagRequired("question")
	_ = modify.MarkFlagRequired("goal")

	pred.AddCommand(link, rate, modify)
	return pred
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	a := res.Assignment
	fmt.Printf("%s: %s (version %d, %d new events)\n", a.ID, a.State, a.Version, len(res.Events))
	return printEvents(res.Events)
}

func printAssignment(a *workflow.Assignment) {
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"ID", a.ID},
		{"Template", fmt.Sprintf("%s (%s)", a.TemplateName, a.TemplateID)},
		{"Employee", a.EmployeeID},
		{"Manager", a.ManagerID},
		{"State", a.State},
		{"Version", a.Version},
		{"Due", a.DueDate.Format(dateLayout)},
		{"Manager review", a.RequiresManagerReview},
		{"Answers", len(a.Answers)},
		{"Goals", len(a.Goals)},
	})
	fmt.Println(tw.Render())

	if len(a.History) == 0 {
		return
	}
	hist := newTable()
	hist.AppendHeader(table.Row{"From", "To", "Actor", "At", "Reason"})
	for _, h := range a.History {
		hist.AppendRow(table.Row{h.From, h.To, h.ActorID, h.At.Format(time.RFC3339), h.Reason})
	}
	fmt.Println(hist.Render())
}
