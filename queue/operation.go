package queue

import (
	"time"

	"github.com/wolfeidau/pacs-cache/transport"
)

// Direction is the kind of work an operation does.
type Direction string

const (
	Query    Direction = "query"
	Retrieve Direction = "retrieve"
	Store    Direction = "store"
)

// State is an operation's position in its lifecycle.
//
//	query:    PENDING -> QUERYING   -> RESULTS   | ERROR
//	retrieve: PENDING -> RETRIEVING -> RETRIEVED | ERROR
//	store:    PENDING -> STORING    -> STORED    | ERROR
//
// Any operation may also go straight from PENDING to ERROR.
type State string

const (
	Pending    State = "PENDING"
	Querying   State = "QUERYING"
	Retrieving State = "RETRIEVING"
	Storing    State = "STORING"
	Results    State = "RESULTS"
	Retrieved  State = "RETRIEVED"
	Stored     State = "STORED"
	Failed     State = "ERROR"
)

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool {
	switch s {
	case Results, Retrieved, Stored, Failed:
		return true
	}
	return false
}

// Request describes the work to submit.
type Request struct {
	Direction Direction `json:"direction"`

	// Targets names the PACS nodes by AE title. Query and retrieve accept
	// none (the default node) or one; store requires exactly one.
	Targets []string `json:"targets,omitempty"`

	// StudyUID is required except for queries.
	StudyUID  string `json:"study_uid,omitempty"`
	SeriesUID string `json:"series_uid,omitempty"`

	// Filter narrows a query. StudyUID, when set, is added to it.
	Filter transport.QueryRequest `json:"filter,omitzero"`

	// EstimatedBytes is the space to reserve for a retrieval. Zero asks the
	// transport, then falls back to Config.DefaultReserveBytes.
	EstimatedBytes int64 `json:"estimated_bytes,omitempty"`
}

// Operation is a snapshot of one submitted request.
type Operation struct {
	ID         string                  `json:"id"`
	Direction  Direction               `json:"direction"`
	Target     string                  `json:"target"`
	StudyUID   string                  `json:"study_uid,omitempty"`
	SeriesUID  string                  `json:"series_uid,omitempty"`
	State      State                   `json:"state"`
	CreatedAt  time.Time               `json:"created_at"`
	StartedAt  time.Time               `json:"started_at,omitzero"`
	FinishedAt time.Time               `json:"finished_at,omitzero"`
	Message    string                  `json:"message,omitempty"`
	Results    []transport.StudyRecord `json:"results,omitempty"`
	Instances  int                     `json:"instances,omitempty"`
	Bytes      int64                   `json:"bytes,omitempty"`

	// Err is the categorized failure of an ERROR operation.
	Err error `json:"-"`
}

// Event reports a state change.
type Event struct {
	OperationID string    `json:"operation_id"`
	State       State     `json:"state"`
	Time        time.Time `json:"time"`
	Message     string    `json:"message,omitempty"`
}
