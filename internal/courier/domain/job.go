package domain

import (
	"google.golang.org/protobuf/types/known/structpb"
)

type WaitMode string

const (
	WaitNone               WaitMode = ""
	WaitProcessingFinished WaitMode = "processing-finished"
	WaitMetadataReady      WaitMode = "metadata-ready"
)

func (m WaitMode) Valid() bool {
	switch m {
	case WaitNone, WaitProcessingFinished, WaitMetadataReady:
		return true
	}
	return false
}

// JobDescriptor is the server-side job returned by job creation. It is never
// modified after creation.
type JobDescriptor struct {
	ID             string
	IngestEndpoint string // where files for this job are uploaded
	ChannelURL     string // event channel for job status
	StatusURL      string // job status resource, attached to file metadata
	Metadata       *structpb.Struct
}

// Field returns a top-level string field from the job metadata.
func (d *JobDescriptor) Field(name string) string {
	if d == nil || d.Metadata == nil {
		return ""
	}
	v, ok := d.Metadata.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

// AttachJob returns a new snapshot of files with the job's status URL and
// ingest endpoint applied. The input records are not modified.
func AttachJob(desc *JobDescriptor, files []FileRecord) []FileRecord {
	out := make([]FileRecord, len(files))
	for i := range files {
		f := files[i].Clone()
		f.Meta["assembly_url"] = desc.StatusURL
		f.Meta["filename"] = f.Name
		f.Meta["fieldname"] = "file"
		f.Transfer.Endpoint = desc.IngestEndpoint
		out[i] = f
	}
	return out
}
