// Package native loads plugins that expose the flowplug C ABI, either from a
// shared library opened at runtime or from a module linked into the binary.
//
// A module exports, for every plugin it provides:
//
//	uint32_t flowplug_abi_version(void);
//	void*    create_<name>_<capability>(void);
//	void     destroy_<name>_<capability>(void* handle);
//	int32_t  call_<name>_<capability>(void* handle, uint32_t op,
//	                                  const uint8_t* in, uint64_t in_len,
//	                                  uint8_t** out, uint64_t* out_len);
//	void     flowplug_free(uint8_t* buf, uint64_t len);
//
// Request and response buffers are msgpack. Records travel as msgpack maps
// whose numbers are float64. A non-zero status carries an error payload
// {"message": string, "details": map}. StatusCancelled reports a call that
// stopped because its context ended; details.cause is "canceled" or
// "deadline_exceeded". Buffers returned through out are owned
// by the module and handed back through flowplug_free.
package native

import (
	"fmt"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// ABIVersion is the only module ABI this runtime accepts.
const ABIVersion uint32 = 1

// Exported symbol names shared by every plugin in a module.
const (
	ABIVersionSymbol = "flowplug_abi_version"
	FreeSymbol       = "flowplug_free"
)

// Op selects the capability method a call symbol dispatches to.
type Op uint32

const (
	OpConnect Op = 1
	OpRead    Op = 2
	OpNext    Op = 3
	OpSchema  Op = 4
	OpClose   Op = 5
	OpProcess Op = 6
	OpInit    Op = 7
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpRead:
		return "read"
	case OpNext:
		return "next"
	case OpSchema:
		return "schema"
	case OpClose:
		return "close"
	case OpProcess:
		return "process"
	case OpInit:
		return "init"
	default:
		return fmt.Sprintf("op(%d)", uint32(o))
	}
}

// Status is the code a call symbol returns.
type Status int32

const (
	StatusOK             Status = 0
	StatusConfig         Status = 1
	StatusConnect        Status = 2
	StatusData           Status = 3
	StatusFatal          Status = 4
	StatusClose          Status = 5
	StatusEndOfStream    Status = 6
	StatusNotImplemented Status = 7
	StatusCancelled      Status = 8
)

// SymbolName builds the per-plugin symbol name, e.g. create_csv_source_source_connector.
func SymbolName(prefix, name string, kind capability.Kind) string {
	return fmt.Sprintf("%s_%s_%s", prefix, name, kind)
}

// processRequest is the OpProcess input payload.
type processRequest struct {
	Record record.Record `msgpack:"record"`
	Config record.Record `msgpack:"config"`
}

// Causes carried by a StatusCancelled payload.
const (
	causeCanceled         = "canceled"
	causeDeadlineExceeded = "deadline_exceeded"
)

// errorPayload accompanies every failing status.
type errorPayload struct {
	Message string        `msgpack:"message"`
	Details record.Record `msgpack:"details,omitempty"`
}

func statusFor(kind capability.ErrorKind) Status {
	switch kind {
	case capability.ErrorConfig:
		return StatusConfig
	case capability.ErrorConnect:
		return StatusConnect
	case capability.ErrorData:
		return StatusData
	case capability.ErrorClose:
		return StatusClose
	default:
		return StatusFatal
	}
}

func kindFor(status Status) capability.ErrorKind {
	switch status {
	case StatusConfig:
		return capability.ErrorConfig
	case StatusConnect:
		return capability.ErrorConnect
	case StatusData:
		return capability.ErrorData
	case StatusClose:
		return capability.ErrorClose
	default:
		return capability.ErrorFatal
	}
}

// defaultStatus is used when a Go implementation returns an untagged error.
func defaultStatus(op Op) Status {
	switch op {
	case OpConnect:
		return StatusConnect
	case OpNext, OpProcess, OpRead:
		return StatusData
	case OpClose:
		return StatusClose
	default:
		return StatusConfig
	}
}
