package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"buddymirror/internal/state"
	"buddymirror/internal/transport"
	"buddymirror/internal/wire"
)

var (
	statesCmd = &cobra.Command{
		Use:     "states",
		Short:   "Show the target states known to a node",
		Example: `  buddymirrord states --addr 10.0.0.1:9700`,
		Args:    cobra.NoArgs,
		RunE:    runStates,
	}

	setStateCmd = &cobra.Command{
		Use:   "set-state <target>",
		Short: "Overwrite the state of a target on a node",
		Long: `Set-state overwrites the reachability and/or consistency a node holds
for one target. Omitted values are kept.`,
		Example: `  buddymirrord set-state 2 --consistency NEEDS-RESYNC
  buddymirrord set-state 1 --reachability OFFLINE`,
		Args: cobra.ExactArgs(1),
		RunE: runSetState,
	}

	groupsCmd = &cobra.Command{
		Use:   "groups",
		Short: "List the buddy groups known to a node",
		Args:  cobra.NoArgs,
		RunE:  runGroups,
	}

	resyncCmd = &cobra.Command{
		Use:   "resync",
		Short: "Control resync jobs",
	}

	resyncStartCmd = &cobra.Command{
		Use:   "start",
		Short: "Start resyncing the buddy of the primary at --addr",
		Long: `Start asks the node at --addr, which must be the primary of its group,
to resync its secondary. The secondary must be in state NEEDS-RESYNC.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error { return runResync(false) },
	}

	resyncAbortCmd = &cobra.Command{
		Use:   "abort",
		Short: "Interrupt the running resync job",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, args []string) error { return runResync(true) },
	}

	resyncFinishCmd = &cobra.Command{
		Use:   "finish",
		Short: "Report the outcome of a resync to a node",
		Long: `Finish tells the node at --addr that the resync of --target ended. A
target in NEEDS-RESYNC becomes GOOD on success and BAD otherwise.`,
		Args: cobra.NoArgs,
		RunE: runResyncFinish,
	}

	setReachability string
	setConsistency  string
	finishTarget    uint16
	finishSuccess   bool
)

func init() {
	rootCmd.AddCommand(statesCmd, setStateCmd, groupsCmd, resyncCmd)
	resyncCmd.AddCommand(resyncStartCmd, resyncAbortCmd, resyncFinishCmd)

	setStateCmd.Flags().StringVar(&setReachability, "reachability", "", "ONLINE, PROBABLY-OFFLINE or OFFLINE")
	setStateCmd.Flags().StringVar(&setConsistency, "consistency", "", "GOOD, NEEDS-RESYNC or BAD")

	resyncFinishCmd.Flags().Uint16Var(&finishTarget, "target", 0, "resynced target (required)")
	resyncFinishCmd.Flags().BoolVar(&finishSuccess, "success", false, "whether the resync succeeded")
	_ = resyncFinishCmd.MarkFlagRequired("target")
}

func runStates(cmd *cobra.Command, args []string) error {
	var reply transport.GetStatesReply
	if err := call(wire.KindGetStates, struct{}{}, &reply); err != nil {
		return err
	}
	if done, err := outputJSON(reply); done {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tREACHABILITY\tCONSISTENCY")
	for _, s := range reply.States {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Target, colorReachability(s.Reachability), colorConsistency(s.Consistency))
	}
	return tw.Flush()
}

func runSetState(cmd *cobra.Command, args []string) error {
	target, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	if setReachability == "" && setConsistency == "" {
		return fmt.Errorf("nothing to set: pass --reachability and/or --consistency")
	}
	// validate locally for a friendlier message
	if setReachability != "" {
		if _, err := state.ParseReachability(strings.ToUpper(setReachability)); err != nil {
			return err
		}
	}
	if setConsistency != "" {
		if _, err := state.ParseConsistency(strings.ToUpper(setConsistency)); err != nil {
			return err
		}
	}

	req := transport.SetStateRequest{
		Target:       target,
		Reachability: strings.ToUpper(setReachability),
		Consistency:  strings.ToUpper(setConsistency),
	}
	if err := call(wire.KindSetState, req, nil); err != nil {
		return err
	}
	if done, err := outputJSON(req); done {
		return err
	}
	color.Green("Target %d updated", target)
	return nil
}

func runGroups(cmd *cobra.Command, args []string) error {
	var reply transport.ListGroupsReply
	if err := call(wire.KindListGroups, struct{}{}, &reply); err != nil {
		return err
	}
	if done, err := outputJSON(reply); done {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tPRIMARY\tSECONDARY")
	for _, g := range reply.Groups {
		fmt.Fprintf(tw, "%d\t%d\t%d\n", g.ID, g.Primary, g.Secondary)
	}
	return tw.Flush()
}

func runResync(abort bool) error {
	var reply transport.StartResyncReply
	if err := call(wire.KindStartResync, transport.StartResyncRequest{Abort: abort}, &reply); err != nil {
		return err
	}
	if done, err := outputJSON(reply); done {
		return err
	}

	if reply.Job == nil {
		color.Yellow("No resync job")
		return nil
	}
	job := reply.Job
	if abort {
		color.Yellow("Interrupting resync of target %d", job.Buddy)
	} else {
		color.Green("Resync of target %d started", job.Buddy)
	}
	fmt.Printf("  state:    %s\n", colorJobState(job.State))
	fmt.Printf("  started:  %s\n", job.Started.Format("2006-01-02 15:04:05"))
	fmt.Printf("  gathered: %d (%d errors)\n", job.Gathered, job.GatherErrors)
	fmt.Printf("  synced:   %d (%d errors)\n", job.Synced, job.SyncErrors)
	return nil
}

func runResyncFinish(cmd *cobra.Command, args []string) error {
	if finishTarget == 0 {
		return fmt.Errorf("--target must be a non-zero target ID")
	}
	req := transport.ResyncFinishedRequest{Target: state.TargetID(finishTarget), Success: finishSuccess}
	if err := call(wire.KindResyncFinished, req, nil); err != nil {
		return err
	}
	if done, err := outputJSON(req); done {
		return err
	}
	if finishSuccess {
		color.Green("Resync of target %d reported successful", finishTarget)
	} else {
		color.Red("Resync of target %d reported failed", finishTarget)
	}
	return nil
}

func parseTarget(s string) (state.TargetID, error) {
	var id uint16
	if _, err := fmt.Sscan(s, &id); err != nil || id == 0 {
		return 0, fmt.Errorf("invalid target ID %q", s)
	}
	return state.TargetID(id), nil
}

func colorReachability(s string) string {
	switch s {
	case state.Online.String():
		return color.GreenString(s)
	case state.ProbablyOffline.String():
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func colorConsistency(s string) string {
	switch s {
	case state.Good.String():
		return color.GreenString(s)
	case state.NeedsResync.String():
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}

func colorJobState(s string) string {
	switch s {
	case "SUCCESS":
		return color.GreenString(s)
	case "RUNNING":
		return color.CyanString(s)
	case "ERRORS", "INTERRUPTED", "FAILURE":
		return color.RedString(s)
	}
	return s
}
