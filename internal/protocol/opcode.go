package protocol

import "fmt"

// OpCode identifies one message kind on either channel.
type OpCode uint8

const (
	OpHey OpCode = iota + 1
	OpPing
	OpPong
	OpBye
	OpGetObjects
	OpGenerateRays
	OpConnectTo
	OpConnectionRequest
	OpConnectionResponse
	OpSendRays
	OpFinishedRays
	OpWorkerStats
	OpGetWorker
	OpRequestDiagnostics
)

var opcodeNames = map[OpCode]string{
	OpHey:                "Hey",
	OpPing:               "Ping",
	OpPong:               "Pong",
	OpBye:                "Bye",
	OpGetObjects:         "GetObjects",
	OpGenerateRays:       "GenerateRays",
	OpConnectTo:          "ConnectTo",
	OpConnectionRequest:  "ConnectionRequest",
	OpConnectionResponse: "ConnectionResponse",
	OpSendRays:           "SendRays",
	OpFinishedRays:       "FinishedRays",
	OpWorkerStats:        "WorkerStats",
	OpGetWorker:          "GetWorker",
	OpRequestDiagnostics: "RequestDiagnostics",
}

func (op OpCode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpCode(%d)", uint8(op))
}

// Known reports whether op is part of the wire contract.
func (op OpCode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}
