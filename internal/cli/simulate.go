package cli

import (
	"time"

	"github.com/spf13/cobra"

	"loop-dosing/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "使用模拟泵执行一次周期",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Simulate(cmd.Context(), simulateOpts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	f := simulateCmd.Flags()
	f.Float64Var(&simulateOpts.Glucose, "glucose", 0, "当前血糖 (mg/dL)")
	f.DurationVar(&simulateOpts.Age, "age", 0, "血糖样本的时长")
	f.Float64Var(&simulateOpts.Bolus, "bolus", 0, "推荐大剂量 (U)")
	f.Float64Var(&simulateOpts.BasalRate, "basal", 0, "推荐临时基础率 (U/h)")
	f.DurationVar(&simulateOpts.BasalDuration, "basal-duration", 30*time.Minute, "临时基础率时长")
	f.BoolVar(&simulateOpts.Offline, "offline", false, "模拟泵离线")
	f.BoolVar(&simulateOpts.Busy, "busy", false, "模拟泵忙碌")
}
