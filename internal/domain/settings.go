package domain

// Recognized Settings keys (spec §3). Values are stored as strings in the
// record store and typed at the point of use via the settings package.
const (
	SettingTrinityPrompt        = "trinity_prompt"
	SettingSchedulesPaused      = "fleet.schedules_paused"
	SettingContextWarnPct       = "ops.context_warn_pct"
	SettingContextCriticalPct   = "ops.context_critical_pct"
	SettingIdleTimeoutMin       = "ops.idle_timeout_min"
	SettingDailyCostLimitUSD    = "ops.daily_cost_limit_usd"
	SettingMaxExecutionMin      = "ops.max_execution_min"
	SettingMaxParallelGlobal    = "ops.max_parallel_tasks_global"
	SettingAlertSuppressMin     = "ops.alert_suppress_min"
	SettingSetupCompleted       = "setup_completed"
)

// DefaultSettings seeds a fresh Settings store with the values named in
// spec §3 so a new deployment behaves sensibly before an operator touches
// anything.
func DefaultSettings() map[string]string {
	return map[string]string{
		SettingTrinityPrompt:      "",
		SettingSchedulesPaused:    "false",
		SettingContextWarnPct:     "75",
		SettingContextCriticalPct: "90",
		SettingIdleTimeoutMin:     "30",
		SettingDailyCostLimitUSD:  "50",
		SettingMaxExecutionMin:    "10",
		SettingMaxParallelGlobal:  "50",
		SettingAlertSuppressMin:   "15",
		SettingSetupCompleted:     "false",
	}
}
