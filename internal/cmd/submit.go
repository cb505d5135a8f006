package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/calder/transitpipe/internal/expand"
	"github.com/calder/transitpipe/internal/models"
)

// NewSubmitCommand creates the submit command
func NewSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <job-file>",
		Short: "Submit a job description as a new root task",
		Long: `Submit reads a job description (JSON or YAML by file extension) and
creates a fully configured root task holding it. The description's top-level
"task" key selects the task type; a bare {task_list: [...]} document becomes
an execution_chain.

The root task is not scheduled by submit itself; run "transitpipe schedule"
(or leave a scheduler process running) to promote it.

Examples:
  transitpipe submit job.yaml
  transitpipe submit --job survey_q3 targets.json`,
		Args: cobra.ExactArgs(1),
		RunE: submitCommand,
	}

	cmd.Flags().String("job", "", "Job name recorded on the root task (default: file basename)")
	cmd.Flags().String("working-directory", "", "Repository directory the job's products live under")

	return cmd
}

func submitCommand(cmd *cobra.Command, args []string) error {
	description, err := loadJobFile(args[0])
	if err != nil {
		return err
	}

	taskType := expand.TaskTypeChain
	if raw, present := description["task"]; present {
		s, ok := raw.(string)
		if !ok || s == "" {
			return fmt.Errorf("job file: \"task\" is not a string")
		}
		taskType = s
	} else if _, present := description["task_list"]; !present {
		return fmt.Errorf("job file: need a \"task\" type or a \"task_list\"")
	}

	jobName, _ := cmd.Flags().GetString("job")
	if jobName == "" {
		base := filepath.Base(args[0])
		jobName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	workingDirectory, _ := cmd.Flags().GetString("working-directory")

	serialised, err := json.Marshal(description)
	if err != nil {
		return fmt.Errorf("serialise job description: %w", err)
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	task := &models.Task{
		TaskType:         taskType,
		JobName:          jobName,
		WorkingDirectory: workingDirectory,
		FullyConfigured:  true,
	}
	taskID, err := rt.store.CreateTask(ctx, task)
	if err != nil {
		return err
	}
	if err := rt.store.SetMetadata(ctx, models.ScopeTask, taskID,
		models.KeyTaskDescription, models.Str(string(serialised))); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "submitted job %q as task %d (%s)\n", jobName, taskID, taskType)
	return nil
}

// loadJobFile decodes a JSON or YAML job description into a map.
func loadJobFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var tree interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parse job file: %w", err)
		}
		// YAML round-trips through JSON so the stored description is in the
		// one serialisation the workers decode.
		jsonBytes, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("normalise job file: %w", err)
		}
		tree = nil
		if err := json.Unmarshal(jsonBytes, &tree); err != nil {
			return nil, fmt.Errorf("normalise job file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("parse job file: %w", err)
		}
	}

	m, ok := tree.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("job file: top level is not a map")
	}
	return m, nil
}
