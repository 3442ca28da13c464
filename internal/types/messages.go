package types

import "labfuzz/internal/request"

// CrashKind tells how a failing test case was detected
type CrashKind string

const (
	CrashRefused CrashKind = "connection_refused"
	CrashReset   CrashKind = "connection_reset"
	CrashAborted CrashKind = "connection_aborted"
	CrashMonitor CrashKind = "monitor"
)

type CrashMessage struct {
	SessionID string
	Target    string // host:port of the target-under-test
	TestCase  request.TestCase
	Kind      CrashKind
	Reason    string
}

// CrashEvent is the JSON body published for every stored crash
type CrashEvent struct {
	SessionID     string `json:"session_id"`
	Target        string `json:"target"`
	Request       string `json:"request"`
	Primitive     string `json:"primitive"`
	TestCaseIndex int    `json:"test_case_index"`
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
	PayloadPath   string `json:"payload_path"`
	PayloadMd5    string `json:"payload_md5"`
	PayloadSize   int    `json:"payload_size"`
}
