package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs from the
// link layer, the controllers and the dispatcher can be correlated per
// instrument and per message in log aggregation.
const (
	// ========================================================================
	// Instrument & Connection
	// ========================================================================
	KeyInstrument = "instrument" // Logical instrument name from configuration
	KeyRemoteAddr = "remote"     // Analyzer remote address (ip:port)
	KeyClientIP   = "client_ip"  // Analyzer IP address (without port)
	KeyPort       = "port"       // Local listen port
	KeyLinkState  = "link_state" // Link state: IDLE, RECEIVING, TRANSMITTING, ...

	// ========================================================================
	// Messages & Records
	// ========================================================================
	KeyMessageID   = "message_id"   // UUID assigned to a persisted message
	KeyMessageType = "message_type" // Classified type: RESULT, QUERY, KEEP_ALIVE, ...
	KeyRecordType  = "record_type"  // ASTM record type id: H, P, O, R, Q, M, L
	KeyBytes       = "bytes"        // Payload size in bytes
	KeyRecords     = "records"      // Number of records in a transmission

	// ========================================================================
	// Link Layer
	// ========================================================================
	KeyFrameSeq   = "frame_seq"  // Frame sequence digit (0..7)
	KeyFrames     = "frames"     // Number of frames in a transmission
	KeyRetries    = "retries"    // Retry count for a frame or handshake
	KeyTerminator = "terminator" // Frame terminator: ETB or ETX

	// ========================================================================
	// Dispatch & Broker
	// ========================================================================
	KeyOrderID = "order_id" // OrderMessage UUID
	KeyQueue   = "queue"    // Broker queue / topic name
	KeyStatus  = "status"   // Persisted message status
	KeyAttempt = "attempt"  // Retry attempt number

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDuration = "duration_ms" // Operation duration in milliseconds
	KeyError    = "error"       // Error message
)
