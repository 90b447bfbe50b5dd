package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	yaml "gopkg.in/yaml.v3"

	"knowgraph/internal/workflow"
)

// workflowFile is the YAML shape accepted by `knowctl workflow run`.
type workflowFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Context     map[string]any `yaml:"context"`
	Steps       []struct {
		Name              string         `yaml:"name"`
		Action            string         `yaml:"action"`
		Params            map[string]any `yaml:"params"`
		DependsOn         []string       `yaml:"depends_on"`
		TimeoutSeconds    int            `yaml:"timeout_seconds"`
		RetryCount        int            `yaml:"retry_count"`
		RetryDelaySeconds float64        `yaml:"retry_delay_seconds"`
	} `yaml:"steps"`
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Create and run workflows",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <file.yaml>",
	Short: "Create a workflow from a YAML spec and run it to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		a.bus.Start()
		defer a.bus.Close()
		registerAgents(a, nil)

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var wf workflowFile
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("parsing workflow file: %w", err)
		}

		specs := make([]workflow.StepSpec, 0, len(wf.Steps))
		for _, s := range wf.Steps {
			specs = append(specs, workflow.StepSpec{
				Name:              s.Name,
				Action:            s.Action,
				Params:            s.Params,
				DependsOn:         s.DependsOn,
				TimeoutSeconds:    s.TimeoutSeconds,
				RetryCount:        s.RetryCount,
				RetryDelaySeconds: s.RetryDelaySeconds,
			})
		}

		w, err := a.workflows.CreateWorkflow(ctx, wf.Name, wf.Description, "knowctl", specs, wf.Context)
		if err != nil {
			return err
		}
		fmt.Println("created workflow", w.ID)

		if err := a.workflows.Start(ctx, w.ID); err != nil {
			return err
		}
		progress, err := a.workflows.Progress(ctx, w.ID)
		if err != nil {
			return err
		}
		fmt.Printf("finished: progress %.0f%%\n", progress*100)
		return nil
	},
}

func init() {
	workflowCmd.AddCommand(workflowRunCmd)
	rootCmd.AddCommand(workflowCmd)
}
