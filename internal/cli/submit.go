package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/phasefactory/internal/queue"
)

// planFile is the on-disk plan shape. Spec may be any YAML value and is
// carried to the engine as JSON.
type planFile struct {
	ID    string         `yaml:"id"`
	Items []planFileItem `yaml:"items"`
}

type planFileItem struct {
	queue.PlanItem `yaml:",inline"`
	Spec           any `yaml:"spec"`
}

// loadPlan reads a plan from YAML, or JSON when the file ends in .json.
func loadPlan(path string) (queue.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return queue.Plan{}, fmt.Errorf("read plan: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var p queue.Plan
		if err := json.Unmarshal(data, &p); err != nil {
			return queue.Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
		}
		return p, nil
	}

	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return queue.Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	p := queue.Plan{ID: pf.ID, Items: make([]queue.PlanItem, len(pf.Items))}
	for i, it := range pf.Items {
		p.Items[i] = it.PlanItem
		if it.Spec != nil {
			spec, err := json.Marshal(it.Spec)
			if err != nil {
				return queue.Plan{}, fmt.Errorf("item %q: spec is not JSON-compatible: %w", it.Key, err)
			}
			p.Items[i].Spec = spec
		}
	}
	return p, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit <plan.yaml>",
	Short: "Submit a plan of work items",
	Long: `Submit a plan to a running engine. The plan is admitted as a unit: if
any item is invalid or the dependencies form a cycle nothing is created.

  id: rate-limiter            # optional plan id
  items:
    - key: design
      spec: "token bucket rate limiter"
      priority: 2
    - key: build
      description: implement the limiter
      depends_on: [design]
      role: backend`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(cmd)
		if err != nil {
			return err
		}
		plan, err := loadPlan(args[0])
		if err != nil {
			return err
		}
		if err := queue.ValidatePlan(plan); err != nil {
			return err
		}
		c, err := apiClient()
		if err != nil {
			return err
		}
		res, err := c.SubmitPlan(cmd.Context(), plan)
		if err != nil {
			return err
		}

		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Submitted plan %s with %d item(s)\n", res.PlanID, len(res.IDs))
		keys := make([]string, 0, len(res.IDs))
		for k := range res.IDs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tID")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k, res.IDs[k])
		}
		return w.Flush()
	},
}

func init() {
	submitCmd.Flags().String("format", "text", "Output format: text or json")
}
