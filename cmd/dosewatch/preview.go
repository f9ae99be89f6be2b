package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dosewatch/internal/app"
	"dosewatch/internal/config"
	"dosewatch/internal/recurrence"
	"dosewatch/internal/schedule"
	"dosewatch/internal/timeres"
	logx "dosewatch/pkg/logx"
)

func previewCmd() *cobra.Command {
	var (
		id   string
		days int
	)
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Print the upcoming reminders of stored schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days <= 0 {
				return fmt.Errorf("--days must be positive")
			}
			cfg, err := config.NewManager(cfgPath).Load(cmd.Context())
			if err != nil {
				return err
			}
			st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			def, _ := timeres.LoadLocation(cfg.Scheduler.DefaultTimezone, time.UTC)
			horizon := time.Duration(days) * 24 * time.Hour
			return printPreview(cmd.OutOrStdout(), list, strings.TrimSpace(id), time.Now(), horizon, def)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "only this schedule")
	cmd.Flags().IntVarP(&days, "days", "d", 7, "days to look ahead")
	return cmd
}

func printPreview(w io.Writer, list []schedule.Schedule, id string, now time.Time, horizon time.Duration, def *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCHEDULE\tMEDICINE\tDOSAGE\tLOCAL TIME\tKEY")
	found := false
	for _, s := range list {
		if id != "" && s.ID != id {
			continue
		}
		found = true
		loc, _ := s.Location(def)
		occ, err := recurrence.Upcoming(s, now, horizon, loc)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t%s\tinvalid: %v\t\n", s.ID, s.MedicineName, s.Dosage, err)
			continue
		}
		for _, o := range occ {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.MedicineName, s.Dosage, o.At.In(loc).Format("Mon 2006-01-02 15:04 MST"), o.Key())
		}
	}
	if id != "" && !found {
		return fmt.Errorf("schedule %q not found", id)
	}
	return tw.Flush()
}
