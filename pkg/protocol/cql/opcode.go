package cql

import "fmt"

// ReqOp is a request opcode of the native protocol.
type ReqOp uint8

const (
	ReqStartup      ReqOp = 0x01
	ReqOptions      ReqOp = 0x05
	ReqQuery        ReqOp = 0x07
	ReqPrepare      ReqOp = 0x09
	ReqExecute      ReqOp = 0x0A
	ReqRegister     ReqOp = 0x0B
	ReqBatch        ReqOp = 0x0D
	ReqAuthResponse ReqOp = 0x0F
)

// RespOp is a response opcode of the native protocol.
type RespOp uint8

const (
	RespError         RespOp = 0x00
	RespReady         RespOp = 0x02
	RespAuthenticate  RespOp = 0x03
	RespSupported     RespOp = 0x06
	RespResult        RespOp = 0x08
	RespEvent         RespOp = 0x0C
	RespAuthChallenge RespOp = 0x0E
	RespAuthSuccess   RespOp = 0x10
)

// IsReqOp reports whether op is a request opcode.
func IsReqOp(op uint8) bool {
	switch ReqOp(op) {
	case ReqStartup, ReqOptions, ReqQuery, ReqPrepare, ReqExecute,
		ReqRegister, ReqBatch, ReqAuthResponse:
		return true
	}
	return false
}

// IsRespOp reports whether op is a response opcode.
func IsRespOp(op uint8) bool {
	switch RespOp(op) {
	case RespError, RespReady, RespAuthenticate, RespSupported, RespResult,
		RespEvent, RespAuthChallenge, RespAuthSuccess:
		return true
	}
	return false
}

func (op ReqOp) String() string {
	switch op {
	case ReqStartup:
		return "STARTUP"
	case ReqOptions:
		return "OPTIONS"
	case ReqQuery:
		return "QUERY"
	case ReqPrepare:
		return "PREPARE"
	case ReqExecute:
		return "EXECUTE"
	case ReqRegister:
		return "REGISTER"
	case ReqBatch:
		return "BATCH"
	case ReqAuthResponse:
		return "AUTH_RESPONSE"
	default:
		return fmt.Sprintf("REQ(0x%02x)", uint8(op))
	}
}

func (op RespOp) String() string {
	switch op {
	case RespError:
		return "ERROR"
	case RespReady:
		return "READY"
	case RespAuthenticate:
		return "AUTHENTICATE"
	case RespSupported:
		return "SUPPORTED"
	case RespResult:
		return "RESULT"
	case RespEvent:
		return "EVENT"
	case RespAuthChallenge:
		return "AUTH_CHALLENGE"
	case RespAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("RESP(0x%02x)", uint8(op))
	}
}

// Result kinds carried in the first int of a RESULT body.
const (
	resultVoid         = 0x0001
	resultRows         = 0x0002
	resultSetKeyspace  = 0x0003
	resultPrepared     = 0x0004
	resultSchemaChange = 0x0005
)
