package models

const (
	DefaultCollection = "pdf_chatbot"
	ContextSeparator  = "\n---\n"
	ThinkTag          = `(?s)<think>.*?</think>`

	// metadata keys stored next to every vector
	MetaSource = "source"
	MetaDigest = "digest"
	MetaPage   = "page"
	MetaChunk  = "chunk"
	MetaOffset = "offset"
	MetaSeq    = "seq"
)

var (
	SystemPrompt = `You are a helpful assistant that answers questions about an uploaded PDF document. Answer in markdown. If the context does not contain the answer, say so briefly.`

	AnswerPromptTemplate = `Use the following excerpts from the document to answer the question.
<context>
%s
</context>
Question: %s
`

	NoContextPromptTemplate = `No excerpts from the document matched this question. Answer from general knowledge and mention that the document did not cover it.
Question: %s
`
)
