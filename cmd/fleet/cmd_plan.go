package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"shardfleet/internal/shard"
)

var (
	planTotal int
	planJSON  bool
)

// planCmd prints the cluster assignment without spawning anything
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the cluster-to-shard assignment",
	Long: `Computes the assignment fleet run would use and prints it.

With shards.total 0 the recommended count is fetched from the gateway, which
needs shards.token (or FLEET_TOKEN).`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().IntVar(&planTotal, "total", 0, "Override the total shard count")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

func runPlan(cmd *cobra.Command, args []string) error {
	sc, err := cfg.SupervisorConfig()
	if err != nil {
		return err
	}

	total := cfg.Shards.Total
	if planTotal > 0 {
		total = planTotal
	}
	if total == 0 {
		client := &http.Client{Timeout: cfg.GetGatewayTimeout()}
		total, err = shard.FetchTotalShards(cmd.Context(), client, cfg.Shards.GatewayURL, cfg.Shards.Token)
		if err != nil {
			return err
		}
	}

	plan, err := shard.Plan(sc.PlanOptions(total))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	rows := make([][]string, 0, len(plan))
	for _, a := range plan {
		rows = append(rows, []string{strconv.Itoa(a.ClusterID), a.Shards.String(), strconv.Itoa(a.Shards.Len())})
	}
	fmt.Fprintln(out, renderTable([]string{"CLUSTER", "SHARDS", "COUNT"}, rows, nil))
	fmt.Fprintf(out, "%d clusters, %d shards per cluster, %d total shards\n", len(plan), sc.ShardsPerCluster, total)
	return nil
}
