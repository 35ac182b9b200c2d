package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/migalsp/kubex-appswitch/internal/lifecycle"
)

// apiClient talks to a running manager's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	server, _ := cmd.Flags().GetString("server")
	user, _ := cmd.Flags().GetString("user")
	password, _ := cmd.Flags().GetString("password")
	if user == "" {
		user = v.GetString("api.authUser")
	}
	if password == "" {
		password = v.GetString("api.authPassword")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &apiClient{
		base: strings.TrimRight(server, "/"),
		// Start waits for verification, which can take minutes.
		http: &http.Client{Jar: jar, Timeout: 10 * time.Minute},
	}
	if user != "" && password != "" {
		body, _ := json.Marshal(map[string]string{"username": user, "password": password})
		if _, err := c.do(cmd, http.MethodPost, "/api/login", body); err != nil {
			return nil, fmt.Errorf("login failed: %w", err)
		}
	}
	return c, nil
}

func (c *apiClient) do(cmd *cobra.Command, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "http://localhost:8082", "URL of the kubex-appswitch API")
	cmd.Flags().String("user", "", "API user (defaults to KUBEX_API_AUTHUSER)")
	cmd.Flags().String("password", "", "API password (defaults to KUBEX_API_AUTHPASSWORD)")
}

func loadClientConfig(cmd *cobra.Command) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		_ = v.ReadInConfig()
	}
	v.SetEnvPrefix("KUBEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func newActionCmd(action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " APP",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loadClientConfig(cmd)
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			data, err := c.do(cmd, http.MethodPost, "/api/apps/"+url.PathEscape(args[0])+"/"+action, nil)
			if err != nil {
				return err
			}
			var out lifecycle.Outcome
			if err := json.Unmarshal(data, &out); err != nil {
				return err
			}
			printOutcome(cmd.OutOrStdout(), &out)
			if out.OverallStatus == lifecycle.StatusFailed {
				return fmt.Errorf("%s of %s failed", action, args[0])
			}
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printOutcome(w io.Writer, out *lifecycle.Outcome) {
	fmt.Fprintf(w, "%s %s: %s (operation %s)\n", out.Action, out.AppName, out.OverallStatus, out.ID)
	for _, r := range out.ComputeResults {
		line := fmt.Sprintf("  compute  %-30s %-10s %d -> %d", r.Group, r.Status, r.From, r.To)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Fprintln(w, line)
	}
	for _, r := range out.DatabaseResults {
		line := fmt.Sprintf("  database %-30s %-14s", r.ID, r.Status)
		if len(r.SharedWith) > 0 {
			line += "  shared with " + strings.Join(r.SharedWith, ", ")
		}
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Fprintln(w, line)
	}
	for _, warning := range out.Warnings {
		fmt.Fprintln(w, "  warning: "+warning)
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [APP]",
		Short: "Show registered applications or one application",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loadClientConfig(cmd)
			c, err := newAPIClient(cmd)
			if err != nil {
				return err
			}
			path := "/api/apps"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			}
			data, err := c.do(cmd, http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, data, "", "  "); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
			return nil
		},
	}
	addClientFlags(cmd)
	return cmd
}
