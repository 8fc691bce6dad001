package core

// ResponseChunkKind enumerates the events emitted during response generation.
type ResponseChunkKind int

const (
	ChunkTokenDelta ResponseChunkKind = iota // raw provider delta, for live display
	ChunkSentence                            // a complete punctuation-terminated span
	ChunkDone                                // generation finished; Text is the full yielded text
)

// ResponseChunk is one event in a streaming response. A Done chunk carries
// exactly the text that was emitted, which may be less than the full
// generation when truncation occurred.
type ResponseChunk struct {
	Kind          ResponseChunkKind
	Text          string
	SentenceCount int  // running count; populated on Sentence and Done chunks
	Truncated     bool // set on Done when emission stopped at the sentence cap
}

// ContextBundle is the knowledge + memory text assembled for a single
// conversational turn. Complete is true only when both retrievals finished
// before the assembly deadline. Never cached across turns.
type ContextBundle struct {
	KnowledgeText string
	MemoryText    string
	Complete      bool
}
