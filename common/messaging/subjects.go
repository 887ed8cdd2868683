package messaging

// Subject constants for the respond message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// Alert lifecycle subjects
	SubjectRespondAlertsCreated = "respond.alerts.created" // Alert ingested and attached to a case

	// Case lifecycle subjects
	SubjectRespondCasesCreated = "respond.cases.created" // New case opened
	SubjectRespondCasesUpdated = "respond.cases.updated" // Case status changed
)
