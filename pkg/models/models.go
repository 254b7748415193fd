// Package models holds the row shapes shared across the fabric's
// repository layer (spec.md §3: Node, Link, Link-Mount, Job Slot,
// Stream Slot, RPC Server/Client Slot).
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// KB describes one row of the <kb>_info catalog table.
type KB struct {
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Node is one row of the <kb> node table (spec.md §3.2).
type Node struct {
	ID            int64           `db:"id" json:"id"`
	KB            string          `db:"kb" json:"kb"`
	Label         string          `db:"label" json:"label"`
	Name          string          `db:"name" json:"name"`
	Properties    json.RawMessage `db:"properties" json:"properties"`
	Data          json.RawMessage `db:"data" json:"data"`
	Path          string          `db:"path" json:"path"`
	HasLink       bool            `db:"has_link" json:"has_link"`
	HasLinkMount  bool            `db:"has_link_mount" json:"has_link_mount"`
}

// Node label tags (spec.md §3.2).
const (
	LabelJobQueue      = "KB_JOB_QUEUE"
	LabelStreamField   = "KB_STREAM_FIELD"
	LabelRPCServer     = "KB_RPC_SERVER_FIELD"
	LabelRPCClient     = "KB_RPC_CLIENT_FIELD"
	LabelStatusField   = "KB_STATUS_FIELD"
)

// Description returns the "description" key of Properties, or "" if
// absent; Properties that are not valid JSON return the decode error
// (grounded on kb_query_support.py's find_description helper).
func (n Node) Description() (string, error) {
	if len(n.Properties) == 0 {
		return "", nil
	}
	var props map[string]interface{}
	if err := json.Unmarshal(n.Properties, &props); err != nil {
		return "", err
	}
	desc, _ := props["description"].(string)
	return desc, nil
}

// LinkMount is one row of the <kb>_link_mount table (spec.md §3.3).
type LinkMount struct {
	ID          int64  `db:"id" json:"id"`
	LinkName    string `db:"link_name" json:"link_name"`
	KB          string `db:"kb" json:"kb"`
	MountPath   string `db:"mount_path" json:"mount_path"`
	Description string `db:"description" json:"description"`
}

// Link is one row of the <kb>_link table (spec.md §3.3).
type Link struct {
	ID         int64  `db:"id" json:"id"`
	LinkName   string `db:"link_name" json:"link_name"`
	ParentKB   string `db:"parent_kb" json:"parent_kb"`
	ParentPath string `db:"parent_path" json:"parent_path"`
}

// LinkPathSegment is one (linkUUID, name) hop decoded from a composite
// link path (spec.md §4.2 decode_link_path).
type LinkPathSegment struct {
	LinkUUID string
	Name     string
}

// JobSlot is one row of the <kb>_job table (spec.md §3.4).
type JobSlot struct {
	ID          int64           `db:"id" json:"id"`
	Path        string          `db:"path" json:"path"`
	Data        json.RawMessage `db:"data" json:"data"`
	ScheduleAt  *time.Time      `db:"schedule_at" json:"schedule_at"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at"`
	IsActive    bool            `db:"is_active" json:"is_active"`
	Valid       bool            `db:"valid" json:"valid"`
}

// StreamSlot is one row of the <kb>_stream table (spec.md §3.5).
type StreamSlot struct {
	ID         int64           `db:"id" json:"id"`
	Path       string          `db:"path" json:"path"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
	Data       json.RawMessage `db:"data" json:"data"`
	Valid      bool            `db:"valid" json:"valid"`
}

// StreamStatistics summarizes a path's stream slots (spec.md §4.5
// statistics operation).
type StreamStatistics struct {
	Count                  int64
	Earliest               *time.Time
	Latest                 *time.Time
	AverageInterArrivalSec float64
}

// RPCServerState enumerates the lifecycle states of an RPC server
// slot (spec.md §3.6).
type RPCServerState string

const (
	RPCServerEmpty      RPCServerState = "empty"
	RPCServerNewJob     RPCServerState = "new_job"
	RPCServerProcessing RPCServerState = "processing"
)

// RPCServerSlot is one row of the <kb>_rpc_server table (spec.md
// §3.6).
type RPCServerSlot struct {
	ID                 int64           `db:"id" json:"id"`
	ServerPath         string          `db:"server_path" json:"server_path"`
	RequestID          uuid.UUID       `db:"request_id" json:"request_id"`
	RPCAction          string          `db:"rpc_action" json:"rpc_action"`
	RequestPayload     json.RawMessage `db:"request_payload" json:"request_payload"`
	TransactionTag     string          `db:"transaction_tag" json:"transaction_tag"`
	Priority           int             `db:"priority" json:"priority"`
	RPCClientQueue     string          `db:"rpc_client_queue" json:"rpc_client_queue"`
	State              RPCServerState  `db:"state" json:"state"`
	RequestTimestamp   *time.Time      `db:"request_timestamp" json:"request_timestamp"`
	ProcessingTimestamp *time.Time     `db:"processing_timestamp" json:"processing_timestamp"`
	CompletedTimestamp *time.Time      `db:"completed_timestamp" json:"completed_timestamp"`
}

// RPCClientSlot is one row of the <kb>_rpc_client table (spec.md
// §3.7).
type RPCClientSlot struct {
	ID               int64           `db:"id" json:"id"`
	ClientPath       string          `db:"client_path" json:"client_path"`
	RequestID        uuid.UUID       `db:"request_id" json:"request_id"`
	ServerPath       string          `db:"server_path" json:"server_path"`
	RPCAction        string          `db:"rpc_action" json:"rpc_action"`
	TransactionTag   string          `db:"transaction_tag" json:"transaction_tag"`
	ResponsePayload  json.RawMessage `db:"response_payload" json:"response_payload"`
	ResponseTimestamp time.Time      `db:"response_timestamp" json:"response_timestamp"`
	IsNewResult      bool            `db:"is_new_result" json:"is_new_result"`
}

// PathValues renders the Path field of each node in nodes, in order
// (grounded on kb_query_support.py's find_path_values helper).
func PathValues(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Path
	}
	return out
}
