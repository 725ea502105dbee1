package app

// StationOperation tracks a CLI command that may mutate the station store.
// Operations are created in memory with ID=0. Only mutating commands
// persist them, which gives them an auto-increment ID from the store and
// makes Close archive a fresh snapshot.
type StationOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string // "success" or "error"
}

// NewStationOperation creates a new in-memory operation.
func NewStationOperation(operation, parameters string) *StationOperation {
	return &StationOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the store.
func (op *StationOperation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as errored when err is non-nil and returns err.
func (op *StationOperation) Fail(err error) error {
	if err != nil {
		op.Status = "error"
	}
	return err
}
