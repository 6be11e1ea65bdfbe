package model

// IngestEnvelope carries one raw line with source metadata.
// It is the transport contract between line sources and the pipeline.
type IngestEnvelope struct {
	Source string
	Line   string
}
