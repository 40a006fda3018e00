package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/daemon"
	"github.com/harun/agentcore/pkg/errcore"
	"github.com/harun/agentcore/pkg/state"
)

// errDaemonRunning guards offline mutations of the snapshot store
var errDaemonRunning = errors.New("daemon is running; send the command through the gateway instead")

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair entity state snapshots",
	Long: `Inspect and repair the entity state snapshots kept in the configured store.
reset and recover change the store and require the daemon to be stopped.`,
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entities with a snapshot",
	Args:  cobra.NoArgs,
	RunE:  runStateList,
}

var stateShowCmd = &cobra.Command{
	Use:   "show <entity-id>",
	Short: "Print an entity snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <entity-id>",
	Short: "Soft reset an entity to idle with empty history",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReset,
}

var stateRecoverCmd = &cobra.Command{
	Use:   "recover <entity-id>",
	Short: "Check that an entity can be recovered from its snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateRecover,
}

func init() {
	stateCmd.AddCommand(stateListCmd, stateShowCmd, stateResetCmd, stateRecoverCmd)
	rootCmd.AddCommand(stateCmd)
}

// openManager opens the store offline behind a quiet State Manager
func openManager(cfg *config.Config) (*state.Manager, state.Store, error) {
	store, err := daemon.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	logger := zerolog.Nop()
	errCfg := errcore.DefaultConfig()
	errCfg.Logger = &logger

	manager, err := state.NewManager(state.Config{
		Store:               store,
		Errors:              errcore.New(errCfg),
		Logger:              &logger,
		HistoryLimit:        cfg.State.HistoryLimit,
		MaxRecoveryAttempts: cfg.State.MaxRecoveryAttempts,
		RecoveryBackoffBase: cfg.State.RecoveryBackoffBase,
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return manager, store, nil
}

func loadSnapshot(ctx context.Context, store state.Store, entityID string) (*state.EntityState, time.Time, error) {
	data, err := store.Load(ctx, entityID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return state.DecodeSnapshot(entityID, data)
}

func runStateList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	ids, err := store.List(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tSTATE\tLAST UPDATE\tHISTORY")
	for _, id := range ids {
		es, _, err := loadSnapshot(ctx, store, id)
		if err != nil {
			fmt.Fprintf(w, "%s\t<corrupt>\t-\t-\n", id)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", id, es.Current, es.LastUpdate.Format(time.RFC3339), len(es.History))
	}
	return w.Flush()
}

func runStateShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := daemon.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	es, _, err := loadSnapshot(ctx, store, args[0])
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}

	data, err := json.MarshalIndent(es, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	return withOfflineManager(cmd, func(ctx context.Context, m *state.Manager) error {
		if err := m.SoftReset(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %s\n", args[0], state.Idle)
		return nil
	})
}

func runStateRecover(cmd *cobra.Command, args []string) error {
	return withOfflineManager(cmd, func(ctx context.Context, m *state.Manager) error {
		if err := m.RecoverFromCrash(ctx, args[0]); err != nil {
			return err
		}
		current, err := m.GetState(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s recovered in state %s\n", args[0], current)
		return nil
	})
}

func withOfflineManager(cmd *cobra.Command, fn func(ctx context.Context, m *state.Manager) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := daemon.RunningPID(cfg.DataDir); err == nil {
		return errDaemonRunning
	}

	manager, store, err := openManager(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, manager)
}
