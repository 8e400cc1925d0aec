package hub

import "github.com/YapperCore/yapper-sync/merge"

// Wire-level event vocabulary, client to hub and hub to client. The same
// envelope shape travels both directions over the websocket.
const (
	// client -> hub
	EventJoinDoc  = "join_doc"
	EventLeaveDoc = "leave_doc"
	EventEditDoc  = "edit_doc"

	// hub -> client
	EventPartialBatch       = "partial_transcript_batch"
	EventFinalTranscript    = "final_transcript"
	EventDocContentUpdate   = "doc_content_update"
	EventTranscriptionError = "transcription_error"

	// hub -> single client, never broadcast
	EventError = "error"
)

// Chunk is the wire form of one transcript fragment. TotalChunks is zero
// while the worker does not know the session length yet.
type Chunk struct {
	Index int    `json:"chunk_index"`
	Total int    `json:"total_chunks,omitempty"`
	Text  string `json:"text"`
}

// Event is the message envelope for the live stream. Fields not relevant
// to a given Type are left zero and omitted from the JSON.
type Event struct {
	Type     string  `json:"type"`
	DocID    string  `json:"doc_id,omitempty"`
	Chunks   []Chunk `json:"chunks,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Content  string  `json:"content,omitempty"`
	Done     bool    `json:"done,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func toMergeChunks(chunks []Chunk) []merge.Chunk {
	out := make([]merge.Chunk, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, merge.Chunk{Index: c.Index, Total: c.Total, Text: c.Text})
	}
	return out
}
