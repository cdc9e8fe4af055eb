package events

import "fmt"

// Subject naming convention:
// {domain}.{event}.{account}
// Examples:
// - risk.threshold.acc-main
// - risk.rapid.acc-sub01
// - emergency.mode.system
// - emergency.response.acc-main

const (
	SubjectRiskSample     = "risk.sample"
	SubjectRiskThreshold  = "risk.threshold"
	SubjectRiskRapid      = "risk.rapid"
	SubjectRiskLevel      = "risk.level"
	SubjectRiskForecast   = "risk.forecast"
	SubjectRiskAlert      = "risk.alert"
	SubjectEmergencyMode  = "emergency.mode"
	SubjectEmergencyResp  = "emergency.response"

	// systemAccount is used for events not tied to a single account.
	systemAccount = "system"
)

// SubjectFor maps an event to the NATS subject it is published on.
func SubjectFor(ev Event) string {
	account := ev.AccountID
	if account == "" {
		account = systemAccount
	}

	var base string
	switch ev.Kind {
	case KindSampleRecorded:
		base = SubjectRiskSample
	case KindThresholdBreached:
		base = SubjectRiskThreshold
	case KindRapidChange:
		base = SubjectRiskRapid
	case KindRiskLevelChanged:
		base = SubjectRiskLevel
	case KindForecastUpdated:
		base = SubjectRiskForecast
	case KindAlertRaised:
		base = SubjectRiskAlert
	case KindEmergencyModeChanged:
		base = SubjectEmergencyMode
	case KindResponseStarted, KindResponseFinished:
		base = SubjectEmergencyResp
	default:
		base = "risk.event"
	}

	return fmt.Sprintf("%s.%s", base, account)
}
