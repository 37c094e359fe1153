package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fpang/media-relay/internal/app"
	"github.com/fpang/media-relay/internal/lambdaboot"
	"github.com/fpang/media-relay/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the account's posting slots and whether now matches",
	RunE:  runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var objects schedule.ObjectGetter
	if strings.HasPrefix(cfg.Schedule.Source, "s3://") {
		clients, err := app.Bootstrap(ctx, cfg)
		if err != nil {
			return err
		}
		objects = lambdaboot.InitS3(clients.Config, cfg.Storage.Bucket).Client
	}

	sched, err := schedule.Load(ctx, cfg.Schedule.Source, objects, cfg.Location(), cfg.Schedule.Window)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	days := sched.Days(cfg.Account)
	names := make([]string, 0, len(days))
	for d := range days {
		names = append(names, d)
	}
	sort.Slice(names, func(i, j int) bool { return weekday(names[i]) < weekday(names[j]) })

	fmt.Fprintf(out, "Account %s (%s, window %s)\n", cfg.Account, sched.Location(), sched.Window())
	for _, d := range names {
		fmt.Fprintf(out, "  %-9s %s\n", d, strings.Join(days[d].Times, ", "))
	}

	m := sched.Match(time.Now(), cfg.Account)
	if m.Matched {
		fmt.Fprintf(out, "Now (%s): matches slot %s\n", m.Local.Format("Mon 15:04"), m.Slot)
	} else {
		fmt.Fprintf(out, "Now (%s): no matching slot\n", m.Local.Format("Mon 15:04"))
	}
	if c := m.InstagramCaption(); c != "" {
		fmt.Fprintf(out, "Caption: %s\n", c)
	}
	return nil
}

func weekday(name string) int {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == name {
			return int(d)
		}
	}
	return 7
}
