package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embranch/embranch/internal/manifest"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Reconcile the local repository against the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(true)
		if err != nil {
			return err
		}
		defer s.Close()
		outcome, err := s.init.Run(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(outcome)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state against the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(false)
		if err != nil {
			return err
		}
		m, err := manifest.Read(s.cfg.ProjectRoot)
		if err != nil {
			return err
		}
		state, err := s.checker.Check(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{
			"project_root": s.cfg.ProjectRoot,
			"repo_path":    s.cfg.RepoPath,
			"manifest":     m,
			"sync_state":   state,
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronise the two stores with the remote",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Flush local changes into Dolt, commit, and push",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(true)
		if err != nil {
			return err
		}
		defer s.Close()
		out, err := s.engine.ProcessPush(cmd.Context(), s.cfg.RemoteName, resolveBranch(s))
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull remote changes and replay them into the vector store",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(true)
		if err != nil {
			return err
		}
		defer s.Close()
		out, err := s.engine.ProcessPull(cmd.Context(), s.cfg.RemoteName, resolveBranch(s))
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <ref>",
	Short: "Switch the working copy to a branch or commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(true)
		if err != nil {
			return err
		}
		defer s.Close()
		out, err := s.engine.ProcessCheckout(cmd.Context(), args[0], true)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var setRemoteCmd = &cobra.Command{
	Use:   "set-remote <url>",
	Short: "Record the canonical remote URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack(false)
		if err != nil {
			return err
		}
		if err := s.engine.SetRemote(cmd.Context(), s.cfg.RemoteName, args[0]); err != nil {
			return err
		}
		fmt.Printf("remote %s -> %s\n", s.cfg.RemoteName, args[0])
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the embranch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func resolveBranch(s *stack) string {
	if m, err := manifest.Read(s.cfg.ProjectRoot); err == nil && m != nil {
		if m.Dolt.CurrentBranch != nil && *m.Dolt.CurrentBranch != "" {
			return *m.Dolt.CurrentBranch
		}
		if m.Dolt.DefaultBranch != "" {
			return m.Dolt.DefaultBranch
		}
	}
	return "main"
}

func init() {
	syncCmd.AddCommand(syncPushCmd, syncPullCmd)
}
