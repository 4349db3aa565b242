package ingest

// Message is a single accepted Kafka record, filtered to a work unit's
// (topic, partition, offset window) by the Reader.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Bytes     []byte
}

// FetchError is a broker-reported error surfaced during a fetch. It is
// accumulated alongside messages and never aborts the work unit by
// itself.
type FetchError struct {
	Topic     string
	Partition int32
	Err       error
}
