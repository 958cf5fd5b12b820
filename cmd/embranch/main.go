// Command embranch is the versioned document-and-embedding store
// daemon: a Dolt-backed relational store and an embedded vector store
// kept in agreement across branches, commits, and remotes.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/embranch/embranch/internal/chroma"
	"github.com/embranch/embranch/internal/config"
	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/doltcli"
	"github.com/embranch/embranch/internal/doltstore"
	"github.com/embranch/embranch/internal/initializer"
	"github.com/embranch/embranch/internal/syncengine"
	"github.com/embranch/embranch/internal/syncstate"
)

// Version is stamped by the release build.
var Version = "0.3.0-dev"

var verboseFlag bool

var rootCmd = &cobra.Command{
	Use:           "embranch",
	Short:         "Versioned document store coupling Dolt and a vector database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verboseFlag {
			debug.SetEnabled(true)
		}
	},
}

// stack bundles the wired collaborators for one project root.
type stack struct {
	cfg     *config.Config
	driver  *doltcli.Driver
	store   *doltstore.Store
	gateway *chroma.Gateway
	checker *syncstate.Checker
	engine  *syncengine.Engine
	init    *initializer.Initializer
}

func (s *stack) Close() {
	if s.gateway != nil {
		s.gateway.Close()
	}
}

// buildStack wires the full component graph. withGateway controls
// whether the vector store is opened; status-style commands skip it.
func buildStack(withGateway bool) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	driver := &doltcli.Driver{
		RepoPath:   cfg.RepoPath,
		Executable: cfg.DoltExecutable,
		Timeout:    cfg.CommandTimeout,
	}
	s := &stack{
		cfg:     cfg,
		driver:  driver,
		store:   doltstore.New(driver),
		checker: syncstate.New(cfg.ProjectRoot, driver),
	}
	if withGateway {
		g, err := chroma.Open(cfg.ChromaDataPath, cfg.QueueSize)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
		s.gateway = g
	}
	s.engine = syncengine.New(cfg.ProjectRoot, driver, s.store, s.gateway, s.checker)
	s.init = initializer.New(cfg, driver, s.store, s.engine)
	return s, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug output")
	rootCmd.AddCommand(serveCmd, initCmd, statusCmd, syncCmd, checkoutCmd, setRemoteCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
