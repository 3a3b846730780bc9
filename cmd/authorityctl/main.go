// Command authorityctl drives the token authority's administrative API.
package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	cl := &client{HTTP: &http.Client{Timeout: 30 * time.Second}, Out: out}

	root := &cobra.Command{
		Use:           "authorityctl",
		Short:         "Admin CLI for the token authority",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cl.Token == "" {
				return fmt.Errorf("missing bearer token (flag --token or env AUTHORITY_TOKEN)")
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&cl.BaseURL, "url", envOr("AUTHORITY_URL", "http://localhost:8083"), "token authority base URL")
	root.PersistentFlags().StringVar(&cl.Token, "token", envOr("AUTHORITY_TOKEN", ""), "bearer token for admin routes")
	root.PersistentFlags().StringVar(&cl.OutFormat, "out", envOr("AUTHORITY_OUT", "text"), "output format: text|json")

	run := func(method, path string, body func(args []string) any) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			var payload any
			if body != nil {
				payload = body(args)
			}
			b, err := cl.do(method, path, payload)
			if err != nil {
				return err
			}
			cl.print(b)
			return nil
		}
	}

	keysCmd := &cobra.Command{Use: "keys", Short: "Manage signing keys"}
	keysCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List keys, oldest first",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodGet, "/admin/keys", nil),
		},
		&cobra.Command{
			Use:   "rotate",
			Short: "Add a key and drop the oldest",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodPost, "/admin/keys/rotate", nil),
		},
		&cobra.Command{
			Use:   "retire KID",
			Short: "Remove one key; tokens signed with it stop verifying",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(http.MethodDelete, "/admin/keys/"+url.PathEscape(args[0]), nil)(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Replace every key; all issued tokens stop verifying",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodPost, "/admin/keys/reset", nil),
		},
	)

	clientsCmd := &cobra.Command{Use: "clients", Short: "Manage downstream clients"}
	clientsCmd.AddCommand(
		&cobra.Command{
			Use:   "register NAME URL",
			Short: "Register a client and print its bootstrap snapshot",
			Args:  cobra.ExactArgs(2),
			RunE: run(http.MethodPost, "/admin/clients", func(args []string) any {
				return map[string]string{"name": args[0], "url": args[1]}
			}),
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Push the current snapshot to every client",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodPost, "/admin/sync", nil),
		},
	)

	tokensCmd := &cobra.Command{Use: "tokens", Short: "Manage issued tokens"}
	tokensCmd.AddCommand(&cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a token until its expiry",
		Args:  cobra.ExactArgs(1),
		RunE: run(http.MethodPost, "/admin/tokens/revoke", func(args []string) any {
			return map[string]string{"token": args[0]}
		}),
	})

	root.AddCommand(keysCmd, clientsCmd, tokensCmd)
	return root
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
