package domain

// Result status values reported by the remote aggregator and stored on the job
const (
	ResultStatusCompleted ResultStatus = "COMPLETED"
	ResultStatusFailed    ResultStatus = "FAILED"
	ResultStatusError     ResultStatus = "ERROR"
)

// Job phases exposed through the job-status endpoint
const (
	PhaseWaiting     Phase = "WAITING"
	PhaseInProgress  Phase = "IN_PROGRESS"
	PhaseAggregating Phase = "AGGREGATING"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseFailed      Phase = "FAILED"
)

// Feature data types declared in a job schema
const (
	DataTypeBoolean     = "BOOLEAN"
	DataTypeNumeric     = "NUMERIC"
	DataTypeNominal     = "NOMINAL"
	DataTypeOrdinal     = "ORDINAL"
	DataTypeCategorical = "CATEGORICAL"
)

// ComputationTypeSum is the only computation the coordinator requests
const ComputationTypeSum = "sum"

// DefaultFields is used when a feature spec declares no field names
var DefaultFields = []string{"numOfNotNull", "numOfTrue"}
