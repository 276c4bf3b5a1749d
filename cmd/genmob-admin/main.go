package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ghaiht95/genmob/app"
	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/globals"
	"github.com/ghaiht95/genmob/lobby"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

// A very simple CLI tool for the administration of genmob rooms.

var configPath string

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	var rootCmd = &cobra.Command{Use: "genmob-admin", SilenceUsage: true}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	// open builds the process; exclusive commands fail while a server is running
	open := func(exclusive bool) (*app.App, error) {
		cfg, err := config.ReadConfiguration(configPath, flagSet)
		if err != nil {
			return nil, err
		}
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
		return app.Open(cfg, globals.AppLogger, exclusive)
	}

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms or deferred teardowns",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms [filter]",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms, optionally only those matching a filter expression such as "Free > 0".`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			filterExpr := ""
			if len(args) > 0 {
				filterExpr = args[0]
			}
			rooms, err := a.Coordinator.ListRooms(cmd.Context(), filterExpr)
			if err != nil {
				return err
			}
			return printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given id, including its members.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			info, err := a.Coordinator.GetRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			members, err := a.Coordinator.Members(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(struct {
				*lobby.RoomInfo
				Members interface{} `json:"members"`
			}{info, members})
		},
	}
	var cmdShowTeardowns = &cobra.Command{
		Use:   "teardowns",
		Short: "Show deferred tunnel teardowns",
		Long:  `show teardowns lists hub and user removals that failed and wait for the next sweep.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			teardowns, err := a.Coordinator.Teardowns()
			if err != nil {
				return err
			}
			return printJSON(teardowns)
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete a room",
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete room",
		Long:  `delete room removes all members of the room, the room itself and its tunnel hub.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(true)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.WithWorker(cmd.Context(), func(ctx context.Context) error {
				members, err := a.Coordinator.CloseRoom(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("room %s deleted, %d member(s) removed\n", args[0], len(members))
				return nil
			})
		},
	}
	var cmdSweep = &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(true)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	rootCmd.AddCommand(cmdShow, cmdDelete, cmdSweep)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowTeardowns)
	cmdDelete.AddCommand(cmdDeleteRoom)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
