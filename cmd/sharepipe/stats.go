package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func adminURL() string {
	if v := os.Getenv("SHAREPIPE_ADMIN_URL"); v != "" {
		return v
	}
	return "http://127.0.0.1:8088"
}

// newStatsCommand queries a running process's admin server.
func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show share-group state of a running process",
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, _ := cmd.Flags().GetString("topic")
			group, _ := cmd.Flags().GetString("group")
			dlq, _ := cmd.Flags().GetBool("dlq")
			limit, _ := cmd.Flags().GetInt("limit")
			base, _ := cmd.Flags().GetString("url")

			var path string
			switch {
			case topic == "":
				path = "/v1/topics"
			case group == "":
				return fmt.Errorf("--group is required with --topic")
			case dlq:
				path = fmt.Sprintf("/v1/topics/%s/groups/%s/dlq?limit=%s",
					url.PathEscape(topic), url.PathEscape(group), strconv.Itoa(limit))
			default:
				path = fmt.Sprintf("/v1/topics/%s/groups/%s/stats", url.PathEscape(topic), url.PathEscape(group))
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(base + path)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("admin server: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("url", adminURL(), "Admin server base URL")
	cmd.Flags().String("topic", "", "Topic name (omit to list topics)")
	cmd.Flags().String("group", "", "Group name")
	cmd.Flags().Bool("dlq", false, "List dead letters instead of counts")
	cmd.Flags().Int("limit", 100, "Maximum dead letters to list")
	return cmd
}
