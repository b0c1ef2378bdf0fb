package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/corpsignal/internal/resilience"
)

// Breaker state lives in the serving process, so these commands talk to it.
var providersServer string

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect and reset provider circuit breakers on a running server",
}

var providersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show circuit breaker state for every provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Providers []resilience.BreakerStatus `json:"providers"`
		}
		if err := callServer(cmd, http.MethodGet, "/providers", &body); err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROVIDER\tSTATE\tFAILURES\tCOOLDOWN\tLAST FAILURE")
		for _, s := range body.Providers {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				s.Provider, s.State, s.ConsecutiveFailures, s.CooldownRemaining.Round(time.Second), s.LastFailure)
		}
		return tw.Flush()
	},
}

var providersResetCmd = &cobra.Command{
	Use:   "reset <provider>",
	Short: "Force a provider's circuit breaker closed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var st resilience.BreakerStatus
		if err := callServer(cmd, http.MethodPost, "/providers/"+url.PathEscape(args[0])+"/reset", &st); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", st.Provider, st.State)
		return nil
	},
}

func serverURL() string {
	if providersServer != "" {
		return strings.TrimRight(providersServer, "/")
	}
	return fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
}

func callServer(cmd *cobra.Command, method, path string, out any) error {
	req, err := http.NewRequestWithContext(cmd.Context(), method, serverURL()+path, nil)
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return eris.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return eris.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func init() {
	providersCmd.PersistentFlags().StringVar(&providersServer, "server", "", "server base URL (default http://localhost:<server.port>)")
	providersCmd.AddCommand(providersStatusCmd, providersResetCmd)
	rootCmd.AddCommand(providersCmd)
}
