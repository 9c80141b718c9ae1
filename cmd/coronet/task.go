package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fentz26/coronet/internal/audit"
	"github.com/fentz26/coronet/internal/config"
	"github.com/fentz26/coronet/internal/crown"
	"github.com/fentz26/coronet/internal/judge"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	taskDBPath     string
	taskOwner      string
	taskConfigPath string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect tasks and their runs",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task, its runs, and its crown evaluation",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEvaluateCmd = &cobra.Command{
	Use:   "evaluate <task-id>",
	Short: "Run a crown evaluation attempt for a task now",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskEvaluate,
}

func init() {
	homeDir, _ := os.UserHomeDir()
	defaultDB := filepath.Join(homeDir, ".coronet", "coronet.db")

	taskCmd.PersistentFlags().StringVar(&taskDBPath, "db", defaultDB, "Path to SQLite database")
	taskListCmd.Flags().StringVar(&taskOwner, "owner", "", "Filter by owner")
	taskEvaluateCmd.Flags().StringVar(&taskConfigPath, "config", "", "Path to YAML config file")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskEvaluateCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	st, err := store.New(taskDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	tasks, err := st.ListTasks(taskOwner)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOWNER\tPHASE\tDESCRIPTION")
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.OwnerID, t.Phase(), desc)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	st, err := store.New(taskDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	taskID := args[0]
	task, err := st.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	fmt.Printf("Task:        %s\n", task.ID)
	fmt.Printf("Owner:       %s\n", task.OwnerID)
	fmt.Printf("Phase:       %s\n", task.Phase())
	if task.Evaluation.Reason != "" {
		fmt.Printf("Last error:  %s\n", task.Evaluation.Reason)
	}
	fmt.Printf("Description: %s\n\n", task.Description)

	runs, err := st.GetRunsForTask(taskID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tAGENT\tBRANCH\tSTATUS\tCONTAINER\tCROWNED")
	for _, r := range runs {
		crowned := ""
		if r.IsCrowned {
			crowned = "* " + r.CrownReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.AgentLabel, r.Branch, r.Status, r.ContainerStatus, crowned)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	eval, err := st.GetCrownEvaluation(taskID)
	if err != nil {
		return err
	}
	if eval != nil {
		fmt.Printf("\nEvaluation %s at %s\n", eval.ID, eval.EvaluatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Winner: %s among %d candidates\n", eval.WinnerRunID, len(eval.CandidateRunIDs))
	}
	return nil
}

func runTaskEvaluate(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(taskConfigPath)
	if err != nil {
		return err
	}
	dbPath := cfg.DBPath
	if cmd.Flags().Changed("db") {
		dbPath = taskDBPath
	}

	st, err := store.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	j := judge.NewOpenAI(cfg.Judge.Model, os.Getenv(cfg.Judge.APIKeyEnv), cfg.Judge.BaseURL, cfg.Judge.Timeout())
	orch := crown.New(st, j, audit.NewRecorder(st), log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	result, err := orch.Evaluate(ctx, args[0])
	if err != nil {
		return err
	}
	if result.Evaluated {
		fmt.Printf("crowned run %s: %s\n", result.WinnerRunID, result.Reason)
	} else {
		fmt.Printf("no evaluation: %s\n", result.Reason)
	}
	return nil
}
